package stream

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/voc/camstream/credurl"
	"gotest.tools/v3/assert"
)

func TestConfigValidate(t *testing.T) {
	c := Config{CameraID: "cam1", URL: "rtsp://10.0.0.1:554/stream1"}
	assert.NilError(t, c.Validate())

	c.URL = "rtsp://admin:pw@10.0.0.1:554/stream1"
	assert.ErrorIs(t, c.Validate(), credurl.ErrInvalidURL)

	c = Config{URL: "rtsp://10.0.0.1/"}
	assert.ErrorIs(t, c.Validate(), errMissingID)

	c = Config{CameraID: "cam1", URL: "rtsp://10.0.0.1/", Transport: "sctp"}
	assert.ErrorContains(t, c.Validate(), "unknown transport")
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"cam1", "lobby-2", "front_door.hd", "..x"} {
		assert.NilError(t, ValidateID(id), id)
	}
	for _, id := range []string{".", "..", "../../escaped", "a/b", `a\b`, "cam\x00", "cam 1", "kamera-ü"} {
		assert.ErrorIs(t, ValidateID(id), ErrInvalidID, id)
	}
	assert.ErrorIs(t, ValidateID(""), errMissingID)

	c := Config{CameraID: "../../escaped", URL: "rtsp://10.0.0.1/"}
	assert.ErrorIs(t, c.Validate(), ErrInvalidID)
}

func TestConnectionChanged(t *testing.T) {
	a := Config{CameraID: "c", URL: "rtsp://h/1", Username: "u", Password: "p"}
	b := a
	b.RecordingEnabled = true
	b.Enabled = true
	assert.Assert(t, !a.ConnectionChanged(b))
	b.Password = "q"
	assert.Assert(t, a.ConnectionChanged(b))
}

func TestConfigStringHidesPassword(t *testing.T) {
	c := Config{CameraID: "c", URL: "rtsp://h/1", Username: "u", Password: "hunter2"}
	assert.Assert(t, !strings.Contains(c.String(), "hunter2"))
}

func TestDescriptorValidate(t *testing.T) {
	assert.NilError(t, Descriptor{Name: "main", URL: "rtsp://h:554/s"}.Validate())
	assert.ErrorIs(t, Descriptor{Name: "main", URL: "rtsp://u:p@h:554/s"}.Validate(), credurl.ErrEmbeddedCredentials)
}

func TestEventJSON(t *testing.T) {
	var ev Event
	err := json.Unmarshal([]byte(`{"kind":"disabled","camera":{"id":"cam1","clean_address":"rtsp://h/1","enabled":false}}`), &ev)
	assert.NilError(t, err)
	assert.Equal(t, ev.Kind, CameraDisabled)
	assert.Equal(t, ev.Camera.CameraID, "cam1")

	err = json.Unmarshal([]byte(`{"kind":"exploded"}`), &ev)
	assert.ErrorContains(t, err, "unknown event kind")
}

func TestDiff(t *testing.T) {
	base := func(id string, enabled bool) Config {
		return Config{CameraID: id, URL: "rtsp://host/" + id, Enabled: enabled}
	}
	changed := base("cam3", true)
	changed.Password = "new"
	moved := base("cam5", true)
	moved.URL = "rtsp://other/cam5"

	prev := []Config{base("cam1", true), base("cam2", true), base("cam3", true), base("cam4", true), base("cam5", false), base("cam6", true)}
	next := []Config{base("cam2", false), changed, base("cam4", true), moved, base("cam6", true), base("cam7", false)}

	events := Diff(prev, next)
	var got []string
	for _, ev := range events {
		got = append(got, ev.Camera.CameraID+":"+ev.Kind.String())
	}
	assert.DeepEqual(t, got, []string{
		"cam1:deleted",
		"cam2:disabled",
		"cam3:updated",
		"cam5:updated",
		"cam5:enabled",
		"cam7:created",
	})
	assert.Equal(t, events[3].Camera.URL, "rtsp://other/cam5")
	assert.Assert(t, !events[3].Camera.Enabled)
	assert.Equal(t, len(Diff(next, next)), 0)
}
