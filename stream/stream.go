package stream

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/voc/camstream/credurl"
)

// Transport is the preferred RTSP lower transport.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// Config describes a camera stream. It is built fresh for each event and never persisted here.
type Config struct {
	CameraID         string    `json:"id"`
	URL              string    `json:"clean_address"` // clean source address, no credentials
	Username         string    `json:"username,omitempty"`
	Password         string    `json:"password,omitempty"`
	Transport        Transport `json:"transport,omitempty"`
	Enabled          bool      `json:"enabled"`
	RecordingEnabled bool      `json:"recording_enabled"`
}

var (
	errMissingID = errors.New("camera id is required")

	// ErrInvalidID is returned for ids that cannot serve as a single directory name.
	ErrInvalidID = errors.New("invalid camera id")
)

// ValidateID accepts ids made of letters, digits, '.', '_' and '-', except "." and "..".
// Ids become directory names below the live and recording roots.
func ValidateID(id string) error {
	if id == "" {
		return errMissingID
	}
	if id == "." || id == ".." {
		return errors.Wrapf(ErrInvalidID, "%q", id)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return errors.Wrapf(ErrInvalidID, "%q", id)
		}
	}
	return nil
}

// Validate checks the id and the clean-address contract.
func (c Config) Validate() error {
	if err := ValidateID(c.CameraID); err != nil {
		return err
	}
	if _, err := credurl.Parse(c.URL); err != nil {
		return errors.Wrapf(err, "camera %s", c.CameraID)
	}
	switch c.Transport {
	case "", TransportTCP, TransportUDP:
	default:
		return fmt.Errorf("camera %s: unknown transport %q", c.CameraID, c.Transport)
	}
	return nil
}

// ConnectionChanged reports whether address or credentials differ.
func (c Config) ConnectionChanged(other Config) bool {
	return c.URL != other.URL ||
		c.Username != other.Username ||
		c.Password != other.Password ||
		c.Transport != other.Transport
}

// String omits the password.
func (c Config) String() string {
	return fmt.Sprintf("{id:%s url:%s user:%s transport:%s enabled:%t recording:%t}",
		c.CameraID, c.URL, c.Username, c.Transport, c.Enabled, c.RecordingEnabled)
}

// Descriptor is a candidate stream returned by the probe collaborator.
type Descriptor struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Validate enforces that probe results carry clean URLs.
func (d Descriptor) Validate() error {
	if _, err := credurl.Parse(d.URL); err != nil {
		return errors.Wrapf(err, "stream %q", d.Name)
	}
	return nil
}

// Status is the best-known state of a camera stream.
type Status struct {
	CameraID      string     `json:"camera_id"`
	State         string     `json:"state"`
	Running       bool       `json:"running"`
	Recording     bool       `json:"recording"`
	PID           int        `json:"pid,omitempty"`
	LiveIndexPath string     `json:"live_index_path,omitempty"`
	LiveURL       string     `json:"live_url,omitempty"`
	RestartCount  int        `json:"restart_count"`
	Error         string     `json:"error,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
}
