package native

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/reborn-dev/reborn/pkg/logflags"
)

var (
	// ErrProcessNotFound is returned by FindProcess when no running process
	// matches the executable name.
	ErrProcessNotFound = errors.New("process not found")

	// ErrHalted is returned by Wait once a halt requested with RequestHalt
	// has stopped every thread.
	ErrHalted = errors.New("process halted")
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start, End uint64
	Perms      string
	Offset     uint64
	Path       string
}

// Executable reports whether the mapping is executable.
func (m Mapping) Executable() bool {
	return len(m.Perms) >= 3 && m.Perms[2] == 'x'
}

// Module is an image mapped in the target.
type Module struct {
	Name string
	Path string
	Base uint64
	End  uint64
}

// ParseMappings parses the contents of a /proc/<pid>/maps file.
func ParseMappings(r io.Reader) ([]Mapping, error) {
	var maps []Mapping
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 5 {
			continue
		}
		rng := strings.SplitN(fields[0], "-", 2)
		if len(rng) != 2 {
			return nil, fmt.Errorf("malformed mapping %q", s.Text())
		}
		start, err := strconv.ParseUint(rng[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed mapping %q: %v", s.Text(), err)
		}
		end, err := strconv.ParseUint(rng[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed mapping %q: %v", s.Text(), err)
		}
		off, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed mapping %q: %v", s.Text(), err)
		}
		m := Mapping{Start: start, End: end, Perms: fields[1], Offset: off}
		if len(fields) > 5 {
			m.Path = strings.Join(fields[5:], " ")
		}
		maps = append(maps, m)
	}
	return maps, s.Err()
}

// ReadMappings reads the memory map of process pid.
func ReadMappings(pid int) ([]Mapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseMappings(f)
}

// moduleName returns the base name of a mapped file, accepting both unix
// paths and the Windows style paths some loaders leave behind.
func moduleName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

// FindModule returns the image called name (compared case insensitively)
// among maps. Base is the lowest address the image is mapped at.
func FindModule(maps []Mapping, name string) (Module, bool) {
	var mod Module
	found := false
	for _, m := range maps {
		if m.Path == "" || !strings.EqualFold(moduleName(m.Path), name) {
			continue
		}
		if !found || m.Start < mod.Base {
			mod.Base = m.Start
		}
		if !found || m.End > mod.End {
			mod.End = m.End
		}
		mod.Name = moduleName(m.Path)
		mod.Path = m.Path
		found = true
	}
	return mod, found
}

// freeGapNear returns a page aligned address where size bytes are unmapped,
// as close as possible to near. It returns 0 if no gap was found.
func freeGapNear(maps []Mapping, near, size uint64) uint64 {
	const (
		pageSize = 0x1000
		minAddr  = 0x10000
	)
	size = (size + pageSize - 1) &^ (pageSize - 1)
	sorted := make([]Mapping, len(maps))
	copy(sorted, maps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	best, bestDist := uint64(0), ^uint64(0)
	consider := func(addr uint64) {
		var dist uint64
		if addr > near {
			dist = addr - near
		} else {
			dist = near - addr
		}
		if dist < bestDist {
			best, bestDist = addr, dist
		}
	}
	prevEnd := uint64(minAddr)
	for _, m := range sorted {
		if m.Start > prevEnd && m.Start-prevEnd >= size {
			// Both ends of the gap are candidates, whichever is nearer wins.
			consider(prevEnd)
			consider(m.Start - size)
		}
		if m.End > prevEnd {
			prevEnd = m.End
		}
	}
	return best
}

func isProcDir(name string) bool {
	for _, ch := range name {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return name != ""
}

// matchProcess reports whether a process with the given comm and command
// line is running exe. Loaders that host Windows executables keep the
// executable path in the command line, sometimes with backslashes.
func matchProcess(exe, comm string, cmdline []byte) bool {
	if strings.EqualFold(strings.TrimSpace(comm), exe) {
		return true
	}
	for _, arg := range bytes.Split(cmdline, []byte{0}) {
		if len(arg) > 0 && strings.EqualFold(moduleName(string(arg)), exe) {
			return true
		}
	}
	return false
}

// FindProcess returns the pid of a running process executing exe.
func FindProcess(exe string) (int, error) {
	des, err := os.ReadDir("/proc")
	if err != nil {
		return 0, fmt.Errorf("error reading proc: %v", err)
	}
	for _, de := range des {
		if !de.IsDir() || !isProcDir(de.Name()) {
			continue
		}
		pid, _ := strconv.Atoi(de.Name())
		comm, _ := os.ReadFile(filepath.Join("/proc", de.Name(), "comm"))
		cmdline, err := os.ReadFile(filepath.Join("/proc", de.Name(), "cmdline"))
		if err != nil {
			// probably we just don't have permissions
			continue
		}
		if matchProcess(exe, string(comm), cmdline) {
			return pid, nil
		}
	}
	return 0, ErrProcessNotFound
}

// WaitForProcess polls FindProcess every interval until a process running
// exe appears or ctx is done.
func WaitForProcess(ctx context.Context, exe string, interval time.Duration) (int, error) {
	log := logflags.AttachLogger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		pid, err := FindProcess(exe)
		if err == nil {
			log.Debugf("found %s with pid %d", exe, pid)
			return pid, nil
		}
		if err != ErrProcessNotFound {
			return 0, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForModule polls the memory map of pid every interval until the image
// called name is mapped, or ctx is done.
func WaitForModule(ctx context.Context, pid int, name string, interval time.Duration) (Module, error) {
	log := logflags.AttachLogger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		maps, err := ReadMappings(pid)
		if err != nil {
			return Module{}, err
		}
		if mod, ok := FindModule(maps, name); ok {
			log.Debugf("module %s mapped at %#x-%#x", mod.Name, mod.Base, mod.End)
			return mod, nil
		}
		select {
		case <-ctx.Done():
			return Module{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
