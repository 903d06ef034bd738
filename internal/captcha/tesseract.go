package captcha

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/emribilemir/atlas-ois-tracker/internal/config"
)

const whitelist = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// runFunc executes the OCR binary, feeding stdin and returning stdout.
type runFunc func(ctx context.Context, path string, args []string, stdin []byte) ([]byte, error)

// Tesseract solves CAPTCHAs by preprocessing the image and piping it
// through the tesseract CLI.
type Tesseract struct {
	path      string
	length    int
	threshold uint8
	scale     int
	debugDir  string
	run       runFunc
}

func NewTesseract(cfg config.CaptchaConfig) *Tesseract {
	path := cfg.TesseractPath
	if path == "" {
		path = "tesseract"
	}
	return &Tesseract{
		path:      path,
		length:    cfg.Length,
		threshold: cfg.Threshold,
		scale:     cfg.Scale,
		debugDir:  cfg.DebugDir,
		run:       execTesseract,
	}
}

func (t *Tesseract) Solve(ctx context.Context, image []byte) string {
	img, err := Preprocess(image, t.threshold, t.scale)
	if err != nil {
		log.Printf("[captcha] %v", err)
		return ""
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		log.Printf("[captcha] encode processed image: %v", err)
		return ""
	}
	t.writeDebug(image, buf.Bytes())

	args := []string{"stdin", "stdout", "--psm", "8", "-c", "tessedit_char_whitelist=" + whitelist}
	out, err := t.run(ctx, t.path, args, buf.Bytes())
	if err != nil {
		log.Printf("[captcha] ocr failed: %v", err)
		return ""
	}

	text := alnum(string(out))
	if t.length > 0 && len(text) != t.length {
		log.Printf("[captcha] ocr result %q has length %d, want %d; ignoring", text, len(text), t.length)
		return ""
	}
	return text
}

func (t *Tesseract) writeDebug(original, processed []byte) {
	if t.debugDir == "" {
		return
	}
	if err := os.MkdirAll(t.debugDir, 0o755); err != nil {
		log.Printf("[captcha] debug dir: %v", err)
		return
	}
	_ = os.WriteFile(filepath.Join(t.debugDir, "captcha_original.png"), original, 0o644)
	_ = os.WriteFile(filepath.Join(t.debugDir, "captcha_processed.png"), processed, 0o644)
}

// alnum keeps ASCII letters and digits only.
func alnum(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

func execTesseract(ctx context.Context, path string, args []string, stdin []byte) ([]byte, error) {
	bin, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("tesseract not found: %w", err)
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w (%s)", filepath.Base(bin), err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}
