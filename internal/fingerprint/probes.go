package fingerprint

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"runtime"
	"strings"
	"time"

	"golang.org/x/term"
)

// HostProbes reads signals from the current process and terminal.
type HostProbes struct {
	// Fd is the terminal queried for the screen size. Zero means stdout.
	Fd int
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// Now defaults to time.Now.
	Now func() time.Time
}

func (h HostProbes) getenv(key string) string {
	if h.Getenv != nil {
		return h.Getenv(key)
	}
	return os.Getenv(key)
}

// Canvas draws a fixed scene. The result only varies with the image
// implementation, like a browser canvas varies with its renderer.
func (HostProbes) Canvas(context.Context) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 220, 30))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{255, 102, 0, 255}}, image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(2, 2, 64, 22), &image.Uniform{color.RGBA{6, 102, 153, 255}}, image.Point{}, draw.Over)
	draw.Draw(img, image.Rect(40, 8, 180, 28), &image.Uniform{color.NRGBA{102, 204, 0, 178}}, image.Point{}, draw.Over)
	return img.Pix, nil
}

// WebGL is never available outside a browser.
func (HostProbes) WebGL(context.Context) (string, string, error) {
	return "", "", ErrUnavailable
}

func (h HostProbes) Screen(context.Context) (Screen, error) {
	fd := h.Fd
	if fd == 0 {
		fd = int(os.Stdout.Fd())
	}
	if !term.IsTerminal(fd) {
		return Screen{}, fmt.Errorf("fd %d: %w", fd, ErrUnavailable)
	}
	w, ht, err := term.GetSize(fd)
	if err != nil {
		return Screen{}, err
	}
	depth := 8
	switch strings.ToLower(h.getenv("COLORTERM")) {
	case "truecolor", "24bit":
		depth = 24
	}
	return Screen{Width: w, Height: ht, ColorDepth: depth, PixelRatio: 1}, nil
}

// Timezone prefers TZ, then the local zone name with its UTC offset.
func (h HostProbes) Timezone(context.Context) (string, error) {
	if tz := h.getenv("TZ"); tz != "" {
		return tz, nil
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	name, offset := now().Zone()
	sign := '+'
	if offset < 0 {
		sign, offset = '-', -offset
	}
	return fmt.Sprintf("%s%c%02d:%02d", name, sign, offset/3600, offset%3600/60), nil
}

// Language reads the POSIX locale, e.g. "en_US.UTF-8" becomes "en-US".
func (h HostProbes) Language(context.Context) (string, error) {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := h.getenv(key)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		return strings.ReplaceAll(v, "_", "-"), nil
	}
	return "", ErrUnavailable
}

func (HostProbes) Platform(context.Context) (string, error) {
	return runtime.GOOS + "/" + runtime.GOARCH, nil
}

// StaticProbes returns fixed values. A non-nil error field makes the
// matching probe fail.
type StaticProbes struct {
	CanvasPixels  []byte
	CanvasErr     error
	WebGLVendor   string
	WebGLRenderer string
	WebGLErr      error
	ScreenValue   Screen
	ScreenErr     error
	TimezoneValue string
	TimezoneErr   error
	LanguageValue string
	LanguageErr   error
	PlatformValue string
	PlatformErr   error
}

func (s StaticProbes) Canvas(context.Context) ([]byte, error) { return s.CanvasPixels, s.CanvasErr }

func (s StaticProbes) WebGL(context.Context) (string, string, error) {
	return s.WebGLVendor, s.WebGLRenderer, s.WebGLErr
}

func (s StaticProbes) Screen(context.Context) (Screen, error) { return s.ScreenValue, s.ScreenErr }

func (s StaticProbes) Timezone(context.Context) (string, error) { return s.TimezoneValue, s.TimezoneErr }

func (s StaticProbes) Language(context.Context) (string, error) { return s.LanguageValue, s.LanguageErr }

func (s StaticProbes) Platform(context.Context) (string, error) { return s.PlatformValue, s.PlatformErr }
