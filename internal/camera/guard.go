package camera

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrUnknownCamera = errors.New("unknown camera")

const jpegQuality = 90

// Capture is one persisted frame.
type Capture struct {
	ID       string    `json:"id"`
	Camera   string    `json:"camera"`
	Actuator int       `json:"actuator"`
	Angle    float64   `json:"angle"`
	Path     string    `json:"path"`
	JPEG     string    `json:"jpeg"`
	TakenAt  time.Time `json:"taken_at"`
	ByteSize int       `json:"byte_size"`
}

type device struct {
	name    string
	source  Source
	trigger Trigger
	lock    chan struct{}
}

// Guard serialises access to each camera. A lock is held across trigger,
// read, persist and encode; different cameras never contend.
type Guard struct {
	logger   *zap.Logger
	imageDir string
	devices  map[string]*device
}

func NewGuard(imageDir string, logger *zap.Logger) *Guard {
	return &Guard{
		logger:   logger,
		imageDir: imageDir,
		devices:  make(map[string]*device),
	}
}

// Register adds a camera. trigger may be nil.
func (g *Guard) Register(name string, source Source, trigger Trigger) {
	g.devices[name] = &device{
		name:    name,
		source:  source,
		trigger: trigger,
		lock:    make(chan struct{}, 1),
	}
	g.logger.Info("Camera registered", zap.String("camera", name), zap.Bool("trigger", trigger != nil))
}

func (g *Guard) Cameras() []string {
	names := make([]string, 0, len(g.devices))
	for name := range g.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Guard) ImageDir() string {
	return g.imageDir
}

// Capture takes one frame from camera for the given stop. A failed read
// rewinds the source and yields (nil, nil); a frame that cannot be encoded or
// written to the image directory is logged and also yields (nil, nil).
func (g *Guard) Capture(ctx context.Context, camera string, actuator int, angle float64) (*Capture, error) {
	dev, ok := g.devices[camera]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCamera, camera)
	}

	select {
	case dev.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-dev.lock }()

	if !dev.source.Opened() {
		g.logger.Error("Camera not opened", zap.String("camera", camera))
		return nil, nil
	}

	if dev.trigger != nil {
		if err := dev.trigger.Fire(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			g.logger.Warn("Shutter trigger failed", zap.String("camera", camera), zap.Error(err))
		}
	}

	img, err := dev.source.Read(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.logger.Error("Failed to read frame",
			zap.String("camera", camera),
			zap.Float64("angle", angle),
			zap.Error(err))
		dev.source.Rewind()
		return nil, nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		g.logger.Error("Failed to encode frame", zap.String("camera", camera), zap.Error(err))
		return nil, nil
	}

	name := fmt.Sprintf("%s_%d_%s.jpg", camera, actuator, strconv.FormatFloat(angle, 'f', -1, 64))
	path := filepath.Join(g.imageDir, name)
	if err := g.persist(path, buf.Bytes()); err != nil {
		g.logger.Error("Failed to persist frame",
			zap.String("camera", camera),
			zap.String("path", path),
			zap.Error(err))
		return nil, nil
	}

	c := &Capture{
		ID:       uuid.NewString(),
		Camera:   camera,
		Actuator: actuator,
		Angle:    angle,
		Path:     path,
		JPEG:     base64.StdEncoding.EncodeToString(buf.Bytes()),
		TakenAt:  time.Now(),
		ByteSize: buf.Len(),
	}

	g.logger.Debug("Frame captured",
		zap.String("camera", camera),
		zap.Int("actuator", actuator),
		zap.Float64("angle", angle),
		zap.String("path", path))
	return c, nil
}

func (g *Guard) persist(path string, data []byte) error {
	if err := os.MkdirAll(g.imageDir, 0o755); err != nil {
		return fmt.Errorf("create image dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Purge removes every file from the image directory.
func (g *Guard) Purge() (int, error) {
	entries, err := os.ReadDir(g.imageDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read image dir: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(g.imageDir, e.Name())); err != nil {
			return removed, fmt.Errorf("remove %s: %w", e.Name(), err)
		}
		removed++
	}

	g.logger.Info("Image directory purged", zap.String("dir", g.imageDir), zap.Int("removed", removed))
	return removed, nil
}

// Disconnected lists cameras whose source is no longer open.
func (g *Guard) Disconnected() []string {
	var out []string
	for _, name := range g.Cameras() {
		if !g.devices[name].source.Opened() {
			out = append(out, name)
		}
	}
	return out
}

// ConnectionLost reports disconnected cameras as a fault reason.
func (g *Guard) ConnectionLost() (string, bool) {
	lost := g.Disconnected()
	if len(lost) == 0 {
		return "", false
	}
	return fmt.Sprintf("camera %s connection lost", strings.Join(lost, ", ")), true
}

func (g *Guard) Close() error {
	var errs []error
	for _, dev := range g.devices {
		if err := dev.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", dev.name, err))
		}
	}
	return errors.Join(errs...)
}
