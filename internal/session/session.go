package session

import (
	"fmt"
	"time"
)

// CreatedLayout is the rendering used for the listing record's created field.
const CreatedLayout = "2006-01-02 15:04:05"

// Session is one multiplexer session as observed at listing time. The
// multiplexer owns it; nothing in this process creates or deletes one
// except through an explicit create or kill request.
type Session struct {
	Name           string
	Windows        int
	Attached       bool
	CreatedAt      time.Time
	LastActivityAt time.Time
	WorkingDir     string
}

// Info is the listing record handed to the presentation layer.
type Info struct {
	Name         string `json:"name"`
	Windows      int    `json:"windows"`
	Attached     bool   `json:"attached"`
	Created      string `json:"created"`
	WorkingDir   string `json:"workingDir"`
	LastActivity string `json:"lastActivity"`
}

// Info renders the listing record for s relative to now.
func (s Session) Info(now time.Time) Info {
	info := Info{
		Name:       s.Name,
		Windows:    s.Windows,
		Attached:   s.Attached,
		WorkingDir: s.WorkingDir,
	}
	if !s.CreatedAt.IsZero() {
		info.Created = s.CreatedAt.Local().Format(CreatedLayout)
	}
	if !s.LastActivityAt.IsZero() {
		info.LastActivity = RelativeTime(now, s.LastActivityAt)
	}
	return info
}

// Infos renders a whole listing. A nil input yields an empty, non-nil slice
// so it encodes as [] rather than null.
func Infos(sessions []Session, now time.Time) []Info {
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info(now))
	}
	return out
}

// RelativeTime returns a coarse label for how long ago t was: "just now",
// "Nm ago", "Nh ago" or "Nd ago". Timestamps in the future count as just now.
func RelativeTime(now, t time.Time) string {
	diff := int64(now.Sub(t) / time.Second)
	switch {
	case diff < 60:
		return "just now"
	case diff < 3600:
		return fmt.Sprintf("%dm ago", diff/60)
	case diff < 86400:
		return fmt.Sprintf("%dh ago", diff/3600)
	default:
		return fmt.Sprintf("%dd ago", diff/86400)
	}
}
