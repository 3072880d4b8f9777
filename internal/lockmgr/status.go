package lockmgr

import (
	"os"
	"strings"

	"github.com/harrison/bosun/internal/procenum"
)

// StatusInfo describes the current lock holder for operator commands.
type StatusInfo struct {
	// Exists is false when no lock file is present.
	Exists bool

	// Owner is the parsed lock payload when Exists.
	Owner *LockFile

	// Alive reports whether the owner PID currently exists.
	Alive bool

	// Class is the owner's command-line classification.
	Class procenum.Class

	// Self is true when the current process holds the lock.
	Self bool
}

// Status inspects the lock file without modifying it.
func (m *Manager) Status() (*StatusInfo, error) {
	existing, err := m.read()
	if err != nil {
		if os.IsNotExist(err) {
			return &StatusInfo{}, nil
		}
		return nil, err
	}

	info := &StatusInfo{
		Exists: true,
		Owner:  existing,
		Alive:  m.lister.Alive(existing.PID),
		Self:   existing.PID == m.pid && existing.LockToken == m.token,
		Class:  procenum.ClassUnknown,
	}
	if info.Alive {
		if procs, listErr := m.lister.List(contextBackground()); listErr == nil {
			info.Class = procenum.ClassifyProcess(procenum.FindByPID(procs, existing.PID))
		}
	} else if len(existing.Argv) > 0 {
		info.Class = procenum.Classify(strings.Join(existing.Argv, " "))
	}
	return info, nil
}

// ForceRelease removes the lock file without the ownership check Release
// performs. Refuses when the owner is a live monitor other than the current
// process, so an operator cannot unseat a running orchestrator by accident.
func (m *Manager) ForceRelease() error {
	existing, err := m.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// Corrupt file: removal is the remedy.
		return m.unlink()
	}
	if existing.PID != m.pid && m.lister.Alive(existing.PID) {
		if res := m.classifyOwner(existing); res != nil {
			return ErrLockContention
		}
	}
	return m.unlink()
}
