package camera

import (
	"SafetyDetConsole/config"
	iface "SafetyDetConsole/interface"
	"SafetyDetConsole/logger"
	"SafetyDetConsole/overlay"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var (
	ErrNoFrame = errors.New("camera returned no frame")
	ErrClosed  = errors.New("camera is closed")
)

// grabber is the part of *gocv.VideoCapture the camera uses.
type grabber interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// Camera grabs still frames from a local capture device and encodes them as
// JPEG. It is safe for concurrent use; reads are serialised.
type Camera struct {
	mu    sync.Mutex
	dev   grabber
	frame gocv.Mat
	log   *zap.Logger
}

func Open(cfg config.CameraConfig, log *zap.Logger) (*Camera, error) {
	if log == nil {
		log = logger.Log()
	}
	vc, err := gocv.OpenVideoCapture(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("open camera %d: %w", cfg.Device, err)
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	log.Info("camera opened", zap.Int("device", cfg.Device), zap.Int("width", cfg.Width), zap.Int("height", cfg.Height))
	return newCamera(vc, log), nil
}

func newCamera(dev grabber, log *zap.Logger) *Camera {
	return &Camera{dev: dev, frame: gocv.NewMat(), log: log}
}

// Capture reads one frame at the device's native resolution.
func (c *Camera) Capture() (iface.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return iface.Frame{}, ErrClosed
	}
	if ok := c.dev.Read(&c.frame); !ok || c.frame.Empty() {
		return iface.Frame{}, ErrNoFrame
	}
	data, err := encodeJPEG(c.frame)
	if err != nil {
		return iface.Frame{}, err
	}
	return iface.Frame{
		Data:     data,
		MimeType: "image/jpeg",
		Width:    c.frame.Cols(),
		Height:   c.frame.Rows(),
	}, nil
}

func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return nil
	}
	err := c.dev.Close()
	c.dev = nil
	if cerr := c.frame.Close(); err == nil {
		err = cerr
	}
	return err
}

func encodeJPEG(m gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, m)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()
	// GetBytes is backed by native memory released on Close.
	return append([]byte(nil), buf.GetBytes()...), nil
}

// Annotate draws an overlay onto a JPEG frame and returns the re-encoded
// image. Overlay geometry is in frame pixel coordinates, the space the
// backend reports bounding boxes in.
func Annotate(jpeg []byte, ov overlay.Overlay) ([]byte, error) {
	img, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	defer img.Close()
	if img.Empty() {
		return nil, errors.New("decoded image is empty or unsupported format")
	}

	col := parseRGB(ov.Color)
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	for _, a := range ov.Annotations {
		gocv.Rectangle(&img, toRect(a.Box), col, overlay.StrokeWidth)
		gocv.Rectangle(&img, toRect(a.LabelBox), col, -1)
		org := image.Pt(int(a.LabelBox.X)+5, int(a.LabelBox.Y+a.LabelBox.Height)-7)
		gocv.PutText(&img, a.Label, org, gocv.FontHersheySimplex, 0.5, white, 1)
	}
	return encodeJPEG(img)
}

func toRect(r overlay.Rect) image.Rectangle {
	return image.Rect(int(r.X), int(r.Y), int(r.X+r.Width), int(r.Y+r.Height))
}

// parseRGB reads the "rgb(r, g, b)" form used by overlay colours. gocv
// converts color.RGBA to BGR itself.
func parseRGB(s string) color.RGBA {
	var r, g, b uint8
	if _, err := fmt.Sscanf(s, "rgb(%d, %d, %d)", &r, &g, &b); err != nil {
		return color.RGBA{G: 255, A: 255}
	}
	return color.RGBA{R: r, G: g, B: b, A: 255}
}
