package bulk

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"golang.org/x/xerrors"
)

// FormatError reports a malformed dep-cache record: a non-indented line
// lacking a colon. The dep cache is machine-written, so this signals a
// bug in the extraction tool rather than user input — fatal per §7.
type FormatError struct {
	Line string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed dep record: line %q has no colon", e.Line)
}

// DepRecord is the parsed contents of a deps/<builder>/<name>.dep file:
// one source package's version, revision, and dependency lists.
type DepRecord struct {
	PkgName  string
	Version  string
	Revision string

	HostMakeDepends []string
	MakeDepends     []string
	Depends         []string
	Subpackages     []string
}

type depListKind int

const (
	listNone depListKind = iota
	listHostMakeDepends
	listMakeDepends
	listDepends
	listSubpackages
)

// ParseDepRecord reads the line-oriented dep-cache format from r: scalar
// keys as "key: value"; list keys as "key:" followed by lines beginning
// with a single space and the element. Unknown keys are ignored.
func ParseDepRecord(r io.Reader) (*DepRecord, error) {
	rec := &DepRecord{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	cur := listNone
	skipList := false // inside a list under an unknown key
	for scanner.Scan() {
		line := scanner.Text()

		if (cur != listNone || skipList) && strings.HasPrefix(line, " ") {
			elem := line[1:]
			switch cur {
			case listHostMakeDepends:
				rec.HostMakeDepends = append(rec.HostMakeDepends, elem)
			case listMakeDepends:
				rec.MakeDepends = append(rec.MakeDepends, elem)
			case listDepends:
				rec.Depends = append(rec.Depends, elem)
			case listSubpackages:
				rec.Subpackages = append(rec.Subpackages, elem)
			}
			continue
		}
		cur = listNone
		skipList = false

		idx := strings.IndexByte(line, ':')
		if idx == -1 {
			return nil, &FormatError{Line: line}
		}
		key := line[:idx]
		rest := line[idx+1:]

		if rest == "" {
			switch key {
			case "hostmakedepends":
				cur = listHostMakeDepends
			case "makedepends":
				cur = listMakeDepends
			case "depends":
				cur = listDepends
			case "subpackages":
				cur = listSubpackages
			default:
				skipList = true // unknown list key: lines under it are ignored
			}
			continue
		}

		value := strings.TrimPrefix(rest, " ")
		switch key {
		case "pkgname":
			rec.PkgName = value
		case "version":
			rec.Version = value
		case "revision":
			rec.Revision = value
		default:
			// unknown scalar key: ignored
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("reading dep record: %w", err)
	}
	return rec, nil
}

// WriteDepRecord serializes rec in the format ParseDepRecord reads back,
// preserving list order.
func WriteDepRecord(w io.Writer, rec *DepRecord) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "pkgname: %s\n", rec.PkgName)
	fmt.Fprintf(bw, "version: %s\n", rec.Version)
	fmt.Fprintf(bw, "revision: %s\n", rec.Revision)
	writeList := func(key string, elems []string) {
		if len(elems) == 0 {
			return
		}
		fmt.Fprintf(bw, "%s:\n", key)
		for _, e := range elems {
			fmt.Fprintf(bw, " %s\n", e)
		}
	}
	writeList("hostmakedepends", rec.HostMakeDepends)
	writeList("makedepends", rec.MakeDepends)
	writeList("depends", rec.Depends)
	writeList("subpackages", rec.Subpackages)
	return bw.Flush()
}
