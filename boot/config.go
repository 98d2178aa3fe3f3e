// Package boot wires the memory, storage, filesystem, process, signal and
// syscall layers into one running kernel instance, mirroring ckernel.c's
// kmain(): parse the command line, bring up memory management, attach
// block devices, guess or honor the requested boot context, mount root,
// populate devfs, and spawn the init process.
package boot

import "strings"

// ModeHint mirrors KERNEL_MODE_LIVE / KERNEL_MODE_INSTALLED from
// system.h: a hint toward which root-mount strategy to use, either
// supplied on the command line or guessed from the boot device class.
type ModeHint uint8

const (
	ModeUnknown ModeHint = iota
	ModeLive
	ModeInstalled
)

// Config is the parsed form of the multiboot command line, the
// replacement for args.c's file-scope alive/asilent/aroot_dir/
// aboot_hint_present globals.
type Config struct {
	Live     bool
	Silent   bool
	Root     string
	ModeHint ModeHint
}

// ParseArgs scans cmdline for the "-live ", "-silent " and "-root=XXXX"
// tokens args_parse recognizes. args.c guards the whole function with
// "if(*cmdline) return", which returns immediately whenever the command
// line is non-empty — the one case that actually has tokens to parse —
// so real boot command lines are silently ignored. The condition is
// inverted here: parsing only bails out when the line truly is empty.
func ParseArgs(cmdline string) Config {
	var cfg Config
	if cmdline == "" {
		return cfg
	}

	for _, tok := range strings.Fields(cmdline) {
		switch {
		case tok == "-live":
			cfg.Live = true
			cfg.ModeHint = ModeLive
		case tok == "-silent":
			cfg.Silent = true
		case strings.HasPrefix(tok, "-root="):
			root := strings.TrimPrefix(tok, "-root=")
			if len(root) > 4 {
				root = root[:4]
			}
			cfg.Root = root
			if cfg.ModeHint == ModeUnknown {
				cfg.ModeHint = ModeInstalled
			}
		}
	}
	return cfg
}
