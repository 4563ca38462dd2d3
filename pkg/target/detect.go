package target

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial/enumerator"
)

// Known USB vendor IDs of MicroPython and CircuitPython boards.
var knownVendorIDs = map[string]bool{
	"2e8a": true, // Raspberry Pi
	"f055": true, // pyboard
	"239a": true, // Adafruit
	"10c4": true, // Silicon Labs bridges (many ESP32 boards)
	"1a86": true, // WCH CH340 bridges
	"303a": true, // Espressif
}

// Volume labels exposed by boards that mount as mass storage.
var knownVolumeLabels = map[string]bool{
	"CIRCUITPY": true,
	"MICROBIT":  true,
	"PYBFLASH":  true,
}

// Candidate is one auto-detected target.
type Candidate struct {
	// Kind is "serial" or "mount".
	Kind string

	// Location is the port name or the mount path.
	Location string
}

func (c Candidate) String() string { return c.Kind + ":" + c.Location }

// Detect auto-selects the target when none was specified: it scans
// serial ports for known device signatures and mount roots for known
// volume labels. Exactly one candidate must be found; zero or several
// fail with *NoTargetError and no file operation is performed.
func Detect() (Adapter, error) {
	c, err := selectCandidate(detectCandidates())
	if err != nil {
		return nil, err
	}
	log.Info().Str("target", c.String()).Msg("Auto-detected target")
	if c.Kind == "serial" {
		return NewSerialAdapter(c.Location)
	}
	return NewMountAdapter(c.Location)
}

// selectCandidate requires exactly one candidate. Zero or several
// fail with *NoTargetError before any adapter is opened.
func selectCandidate(candidates []Candidate) (Candidate, error) {
	if len(candidates) != 1 {
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.String()
		}
		return Candidate{}, &NoTargetError{Candidates: names}
	}
	return candidates[0], nil
}

func detectCandidates() []Candidate {
	var candidates []Candidate
	candidates = append(candidates, detectSerialCandidates()...)
	candidates = append(candidates, detectMountCandidates(mountRoots())...)
	return candidates
}

func detectSerialCandidates() []Candidate {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		log.Debug().Err(err).Msg("Serial port enumeration failed")
		return nil
	}
	var candidates []Candidate
	for _, port := range ports {
		if !port.IsUSB {
			continue
		}
		if knownVendorIDs[strings.ToLower(port.VID)] {
			candidates = append(candidates, Candidate{Kind: "serial", Location: port.Name})
		}
	}
	return candidates
}

func detectMountCandidates(roots []string) []Candidate {
	var candidates []Candidate
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			mount := filepath.Join(root, entry.Name())
			if knownVolumeLabels[strings.ToUpper(entry.Name())] || looksLikeDeviceVolume(mount) {
				candidates = append(candidates, Candidate{Kind: "mount", Location: mount})
			}
		}
	}
	return candidates
}

// looksLikeDeviceVolume recognizes volumes without a known label by
// the boot_out.txt marker CircuitPython writes at startup.
func looksLikeDeviceVolume(mount string) bool {
	_, err := os.Stat(filepath.Join(mount, "boot_out.txt"))
	return err == nil
}

func mountRoots() []string {
	home, _ := os.UserHomeDir()
	roots := []string{"/Volumes", "/media", "/mnt"}
	if home != "" {
		roots = append(roots, filepath.Join("/media", filepath.Base(home)))
		roots = append(roots, filepath.Join("/run/media", filepath.Base(home)))
	}
	return roots
}
