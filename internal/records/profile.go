package records

import (
	"sort"
	"time"
)

// Profile is the folded snapshot of an account's user data
type Profile struct {
	Fid         uint64    `json:"fid"`
	Username    string    `json:"username,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	Bio         string    `json:"bio,omitempty"`
	Pfp         string    `json:"pfp,omitempty"`
	URL         string    `json:"url,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// FoldProfile builds a profile from user data messages. The newest active
// message per field wins; removed entries are ignored.
func FoldProfile(fid uint64, data []*UserData) Profile {
	sorted := make([]*UserData, 0, len(data))
	for _, d := range data {
		if d.Fid == fid && !d.Deleted() {
			sorted = append(sorted, d)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	p := Profile{Fid: fid}
	for _, d := range sorted {
		p.Apply(d)
	}
	return p
}

// Apply sets the field a single user data message carries
func (p *Profile) Apply(d *UserData) {
	switch d.Type {
	case UserDataUsername:
		p.Username = d.Value
	case UserDataDisplay:
		p.DisplayName = d.Value
	case UserDataBio:
		p.Bio = d.Value
	case UserDataPfp:
		p.Pfp = d.Value
	case UserDataURL:
		p.URL = d.Value
	default:
		return
	}
	if d.Timestamp.After(p.UpdatedAt) {
		p.UpdatedAt = d.Timestamp
	}
}
