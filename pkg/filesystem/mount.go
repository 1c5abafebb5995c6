package filesystem

import (
	"github.com/moby/sys/mountinfo"
)

// PrimaryMountSource returns the device/source backing the mount that path
// lives on. Filesystem stores it as its mountSource lookup, but no disk-usage
// walk calls it: the walks measure the server root directory itself.
// Promotes the teacher's indirect github.com/moby/sys/mountinfo dependency to
// direct use.
func PrimaryMountSource(path string) (string, error) {
	mounts, err := mountinfo.GetMounts(mountinfo.ParentsFilter(path))
	if err != nil {
		return "", err
	}
	best := ""
	bestLen := -1
	for _, m := range mounts {
		if len(m.Mountpoint) > bestLen {
			best = m.Source
			bestLen = len(m.Mountpoint)
		}
	}
	return best, nil
}
