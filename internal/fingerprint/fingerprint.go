// Package fingerprint derives the semi-stable device identifier a client
// binds its challenge session to.
package fingerprint

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"powgate/internal/types"
	"powgate/internal/utils"
)

// Sentinels stand in for signals a probe could not read.
const (
	NoCanvas   = "no-canvas"
	NoWebGL    = "no-webgl"
	NoScreen   = "no-screen"
	NoTimezone = "no-timezone"
	NoLanguage = "no-language"
	NoPlatform = "no-platform"
)

// ErrUnavailable is returned by probes for signals the host does not have.
var ErrUnavailable = errors.New("signal unavailable")

// Screen describes the display.
type Screen struct {
	Width, Height int
	ColorDepth    int
	PixelRatio    float64
}

// String formats s as WIDTHxHEIGHTxDEPTH@RATIO.
func (s Screen) String() string {
	return strconv.Itoa(s.Width) + "x" + strconv.Itoa(s.Height) + "x" + strconv.Itoa(s.ColorDepth) +
		"@" + strconv.FormatFloat(s.PixelRatio, 'f', -1, 64)
}

// Probes reads the raw signals. Any method may fail; Generate substitutes
// the matching sentinel.
type Probes interface {
	// Canvas returns the pixel data of a fixed drawing.
	Canvas(ctx context.Context) ([]byte, error)
	WebGL(ctx context.Context) (vendor, renderer string, err error)
	Screen(ctx context.Context) (Screen, error)
	Timezone(ctx context.Context) (string, error)
	Language(ctx context.Context) (string, error)
	Platform(ctx context.Context) (string, error)
}

type Generator struct {
	probes Probes
	logger *zap.Logger
}

func NewGenerator(probes Probes, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{probes: probes, logger: logger}
}

// Generate reads every signal and combines them. A failing probe never fails
// the call; only a done ctx does.
func (g *Generator) Generate(ctx context.Context) (types.BrowserFingerprint, error) {
	var fp types.BrowserFingerprint

	steps := []struct {
		name     string
		sentinel string
		dst      *string
		read     func() (string, error)
	}{
		{"canvas", NoCanvas, &fp.CanvasHash, func() (string, error) {
			pixels, err := g.probes.Canvas(ctx)
			if err != nil {
				return "", err
			}
			return utils.SHA256Hex(pixels), nil
		}},
		{"webgl", NoWebGL, &fp.WebGLHash, func() (string, error) {
			vendor, renderer, err := g.probes.WebGL(ctx)
			if err != nil {
				return "", err
			}
			return utils.SHA256Hex([]byte(vendor + "|" + renderer)), nil
		}},
		{"screen", NoScreen, &fp.Screen, func() (string, error) {
			s, err := g.probes.Screen(ctx)
			if err != nil {
				return "", err
			}
			return s.String(), nil
		}},
		{"timezone", NoTimezone, &fp.Timezone, func() (string, error) { return g.probes.Timezone(ctx) }},
		{"language", NoLanguage, &fp.Language, func() (string, error) { return g.probes.Language(ctx) }},
		{"platform", NoPlatform, &fp.Platform, func() (string, error) { return g.probes.Platform(ctx) }},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return types.BrowserFingerprint{}, err
		}
		value, err := step.read()
		if err == nil && value == "" {
			err = ErrUnavailable
		}
		if err != nil {
			g.logger.Debug("Generate: probe failed, using sentinel", zap.String("probe", step.name), zap.Error(err))
			value = step.sentinel
		}
		*step.dst = value
	}

	fp.CombinedHash = Combine(fp)
	return fp, nil
}

// Combine hashes the six signals in their fixed order.
func Combine(fp types.BrowserFingerprint) string {
	return utils.SHA256Hex([]byte(strings.Join([]string{
		fp.CanvasHash, fp.WebGLHash, fp.Screen, fp.Timezone, fp.Language, fp.Platform,
	}, "|")))
}
