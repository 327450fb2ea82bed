package xbpsdbulk

// Architectures contains one entry for each machine identifier the build
// tool knows how to target, keyed the way xbps-src's XBPS_TARGET_MACHINE
// values are spelled.
var Architectures = map[string]bool{
	"x86_64":        true,
	"x86_64-musl":   true,
	"i686":          true,
	"i686-musl":     true,
	"armv6l":        true,
	"armv6l-musl":   true,
	"armv7l":        true,
	"armv7l-musl":   true,
	"aarch64":       true,
	"aarch64-musl":  true,
	"ppc64le":       true,
	"ppc64le-musl":  true,
	"ppc64":         true,
	"ppc64-musl":    true,
	"ppc":           true,
	"ppc-musl":      true,
	"mips":          true,
	"mipsel":        true,
}

// KnownArch reports whether arch is a recognized machine identifier, used
// to validate the -a cross-build flag before it reaches the scheduler.
func KnownArch(arch string) bool {
	return Architectures[arch]
}
