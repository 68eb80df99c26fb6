// Package display renders LED, sound, and e-paper panel feedback through the bus
// controller's immediate (fire-and-forget) request path, and maintains the staging/visible
// framebuffer pair the refresh scheduler diffs against.
package display

import (
	"bytes"
	"image"
	"sync"
)

// immediateSender is the subset of pkg/controller's API the driver needs to fire LED/sound
// commands without waiting for a response.
type immediateSender interface {
	Immediate(name string, payload []byte) error
}

const (
	ledOffPayload = byte(0x00)
)

var soundNames = map[string]string{
	"move":   "SOUND_GENERAL",
	"wrong":  "SOUND_WRONG_MOVE",
	"resign": "SOUND_WRONG",
	"draw":   "SOUND_GENERAL",
}

// Driver issues LED and sound commands. It satisfies gamemanager.Display.
type Driver struct {
	ctrl immediateSender
}

// NewDriver wraps a controller for LED/sound output.
func NewDriver(ctrl immediateSender) *Driver {
	return &Driver{ctrl: ctrl}
}

func (d *Driver) LEDsOff() {
	_ = d.ctrl.Immediate("LED_CMD", []byte{ledOffPayload, 0x00, 0x00, 0x00})
}

func (d *Driver) LED(square int) {
	_ = d.ctrl.Immediate("LED_CMD", []byte{0x01, byte(square), 0x00, 0x00})
}

func (d *Driver) LEDFromTo(from, to int) {
	_ = d.ctrl.Immediate("LED_CMD", []byte{0x02, byte(from), byte(to), 0x00})
}

func (d *Driver) LEDArray(squares []int) {
	payload := make([]byte, 0, len(squares)+1)
	payload = append(payload, 0x03)
	for _, sq := range squares {
		payload = append(payload, byte(sq))
	}
	_ = d.ctrl.Immediate("LED_CMD", payload)
}

func (d *Driver) Beep(name string) {
	cmd, ok := soundNames[name]
	if !ok {
		cmd = "SOUND_GENERAL"
	}
	_ = d.ctrl.Immediate(cmd, nil)
}

// Framebuffer holds a staging image (being drawn into) and the last image actually sent to
// the panel, and computes the dirty rectangles between them. Safe for concurrent use.
type Framebuffer struct {
	mu      sync.Mutex
	staging *image.Gray
	visible *image.Gray
}

// NewFramebuffer allocates a framebuffer of the given panel dimensions, initially blank.
func NewFramebuffer(width, height int) *Framebuffer {
	r := image.Rect(0, 0, width, height)
	return &Framebuffer{
		staging: image.NewGray(r),
		visible: image.NewGray(r),
	}
}

// Draw replaces the staging image wholesale; callers compose a full frame off-line and
// swap it in, rather than mutating pixels through this package.
func (f *Framebuffer) Draw(img *image.Gray) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staging = img
}

// Diff returns the rectangles where staging differs from the last-presented image, as
// tight per-row bounding boxes merged by the caller (pkg/refresh) into refresh regions.
func (f *Framebuffer) Diff() []image.Rectangle {
	f.mu.Lock()
	defer f.mu.Unlock()

	b := f.staging.Bounds()
	var regions []image.Rectangle

	for y := b.Min.Y; y < b.Max.Y; y++ {
		rowStaging := f.staging.Pix[f.staging.PixOffset(b.Min.X, y):f.staging.PixOffset(b.Max.X, y)]
		rowVisible := f.visible.Pix[f.visible.PixOffset(b.Min.X, y):f.visible.PixOffset(b.Max.X, y)]
		if bytes.Equal(rowStaging, rowVisible) {
			continue
		}

		start, end := -1, -1
		for x := 0; x < len(rowStaging); x++ {
			if rowStaging[x] != rowVisible[x] {
				if start < 0 {
					start = x
				}
				end = x
			}
		}
		regions = append(regions, image.Rect(b.Min.X+start, y, b.Min.X+end+1, y+1))
	}
	return regions
}

// Present copies staging into visible, marking it as sent to the panel. Called once the
// refresh scheduler has actually issued the panel update for the returned diff.
func (f *Framebuffer) Present() {
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.visible.Pix, f.staging.Pix)
}
