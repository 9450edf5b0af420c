package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/danmuck/edgerelay/internal/rollout"
	"github.com/gin-gonic/gin"
)

var (
	ErrHashMismatch   = errors.New("httpapi: firmware sha256 mismatch")
	ErrInvalidUpload  = errors.New("httpapi: invalid firmware upload")
	ErrUploadTooLarge = errors.New("httpapi: firmware upload too large")
)

const multipartMemory = 8 << 20

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// storedFirmware describes one image written under the firmware directory.
type storedFirmware struct {
	Name   string
	SHA256 string
	Size   int64
}

// uploadFirmware stores a multipart image, checks its hash when one is
// supplied and assigns it to the device.
func (a *API) uploadFirmware(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, a.cfg.MaxUploadBytes)
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.fail(c, ErrUploadTooLarge)
			return
		}
		a.fail(c, fmt.Errorf("%w: %v", ErrInvalidUpload, err))
		return
	}

	deviceID := strings.TrimSpace(c.PostForm("deviceId"))
	if deviceID == "" {
		a.fail(c, fmt.Errorf("%w: deviceId required", ErrInvalidUpload))
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		a.fail(c, fmt.Errorf("%w: file: %v", ErrInvalidUpload, err))
		return
	}
	src, err := header.Open()
	if err != nil {
		a.fail(c, fmt.Errorf("%w: open file: %v", ErrInvalidUpload, err))
		return
	}
	defer src.Close()

	stored, err := a.storeFirmware(src, header.Filename)
	if err != nil {
		a.fail(c, err)
		return
	}
	if want := strings.TrimSpace(c.PostForm("sha256")); want != "" && !strings.EqualFold(want, stored.SHA256) {
		_ = os.Remove(filepath.Join(a.cfg.FirmwareDir, stored.Name))
		a.fail(c, fmt.Errorf("%w: got %s", ErrHashMismatch, stored.SHA256))
		return
	}

	assignment := rollout.Assignment{
		DeviceID: deviceID,
		URL:      a.firmwareURL(stored.Name),
		SHA256:   &stored.SHA256,
		Size:     &stored.Size,
		Scope:    c.PostForm("scope"),
	}
	if version := strings.TrimSpace(c.PostForm("version")); version != "" {
		assignment.Version = &version
	}
	out, err := a.svc.Coordinator().Assign(c.Request.Context(), assignment)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.log.Info().
		Str("device_id", deviceID).
		Str("file", stored.Name).
		Str("sha256", stored.SHA256).
		Int64("size", stored.Size).
		Msg("httpapi.API.uploadFirmware stored")
	c.JSON(http.StatusOK, gin.H{
		"device":    out.Record,
		"url":       assignment.URL,
		"sha256":    stored.SHA256,
		"size":      stored.Size,
		"delivered": out.Delivery.Delivered,
	})
}

// storeFirmware hashes src while copying it into the firmware directory.
// The stored name is prefixed with the hash so re-uploads never collide.
func (a *API) storeFirmware(src io.Reader, filename string) (storedFirmware, error) {
	dir := strings.TrimSpace(a.cfg.FirmwareDir)
	if dir == "" {
		return storedFirmware{}, fmt.Errorf("httpapi: firmware dir not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return storedFirmware{}, fmt.Errorf("httpapi: create firmware dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return storedFirmware{}, fmt.Errorf("httpapi: create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), src)
	closeErr := tmp.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return storedFirmware{}, ErrUploadTooLarge
		}
		return storedFirmware{}, fmt.Errorf("httpapi: write firmware: %w", err)
	}
	if closeErr != nil {
		return storedFirmware{}, fmt.Errorf("httpapi: write firmware: %w", closeErr)
	}
	if size == 0 {
		return storedFirmware{}, fmt.Errorf("%w: empty file", ErrInvalidUpload)
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	name := sum[:12] + "-" + safeFileName(filename)
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return storedFirmware{}, fmt.Errorf("httpapi: store firmware: %w", err)
	}
	return storedFirmware{Name: name, SHA256: sum, Size: size}, nil
}

func (a *API) firmwareURL(name string) string {
	return strings.TrimRight(a.cfg.PublicBaseURL, "/") + "/firmware/" + url.PathEscape(name)
}

func safeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = unsafeFileChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "firmware.bin"
	}
	return base
}
