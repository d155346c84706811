package validator

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	cfg "github.com/bindrap/notesWebApp/config"
	"github.com/bindrap/notesWebApp/internal/models"
	"github.com/bindrap/notesWebApp/pkg/logger"
)

// FileType is an accepted extension: its kind and the sniffed MIME types
// that may back it. A sniffed type also matches through its parents, so
// text/plain covers every text subtype.
type FileType struct {
	Kind      models.FileKind
	MimeTypes []string
}

// AllowedTypes lists the accepted extensions.
var AllowedTypes = map[string]FileType{
	".txt":  {models.KindText, []string{"text/plain"}},
	".md":   {models.KindText, []string{"text/plain"}},
	".pdf":  {models.KindDocument, []string{"application/pdf"}},
	".docx": {models.KindDocument, []string{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "application/zip"}},
	".png":  {models.KindImage, []string{"image/png"}},
	".jpg":  {models.KindImage, []string{"image/jpeg"}},
	".jpeg": {models.KindImage, []string{"image/jpeg"}},
	".bmp":  {models.KindImage, []string{"image/bmp"}},
	".tiff": {models.KindImage, []string{"image/tiff"}},
	".tif":  {models.KindImage, []string{"image/tiff"}},
	".webp": {models.KindImage, []string{"image/webp"}},
}

// FileInfo is what validation learned about an accepted file.
type FileInfo struct {
	Filename  string          `json:"filename"`
	Extension string          `json:"extension"`
	Kind      models.FileKind `json:"kind"`
	MimeType  string          `json:"mimeType"`
	Size      int64           `json:"size"`
}

// DocumentValidator checks a batch against the configured limits and the
// allowed file types.
type DocumentValidator struct {
	limits cfg.LimitsConfig
	logger logger.Logger
}

func NewDocumentValidator(limits cfg.LimitsConfig, log logger.Logger) *DocumentValidator {
	return &DocumentValidator{limits: limits, logger: log.Named("validator")}
}

// ValidateBatch accepts or rejects the whole batch. Count and aggregate size
// are checked first and fail with ErrBatchTooLarge; otherwise every file is
// checked and all problems are reported together in a *ValidationError.
func (v *DocumentValidator) ValidateBatch(uploads []models.Upload) ([]FileInfo, error) {
	if len(uploads) == 0 {
		return nil, &models.ValidationError{Issues: []models.FileIssue{{Reason: "no files provided"}}}
	}
	if v.limits.MaxFiles > 0 && len(uploads) > v.limits.MaxFiles {
		return nil, fmt.Errorf("%w: %d files exceeds the limit of %d", models.ErrBatchTooLarge, len(uploads), v.limits.MaxFiles)
	}

	var total int64
	for _, u := range uploads {
		total += u.Size()
	}
	if v.limits.MaxBatchSize > 0 && total > v.limits.MaxBatchSize {
		return nil, fmt.Errorf("%w: %s exceeds the limit of %s", models.ErrBatchTooLarge,
			humanize.IBytes(uint64(total)), humanize.IBytes(uint64(v.limits.MaxBatchSize)))
	}

	infos := make([]FileInfo, 0, len(uploads))
	var issues []models.FileIssue
	for _, u := range uploads {
		info, reason := v.validateFile(u)
		if reason != "" {
			issues = append(issues, models.FileIssue{Filename: u.Filename, Reason: reason})
			continue
		}
		infos = append(infos, info)
	}

	if len(issues) > 0 {
		v.logger.Info("Rejected batch",
			logger.Int("files", len(uploads)),
			logger.Int("issues", len(issues)),
		)
		return nil, &models.ValidationError{Issues: issues}
	}
	return infos, nil
}

func (v *DocumentValidator) validateFile(u models.Upload) (FileInfo, string) {
	info := FileInfo{
		Filename:  u.Filename,
		Extension: strings.ToLower(filepath.Ext(u.Filename)),
		Size:      u.Size(),
	}

	if reason := checkName(u.Filename); reason != "" {
		return info, reason
	}

	ft, ok := AllowedTypes[info.Extension]
	if !ok {
		if info.Extension == "" {
			return info, "file has no extension"
		}
		return info, fmt.Sprintf("file type %s is not allowed", info.Extension)
	}
	info.Kind = ft.Kind

	if v.limits.MaxFileSize > 0 && info.Size > v.limits.MaxFileSize {
		return info, fmt.Sprintf("file size %s exceeds the limit of %s",
			humanize.IBytes(uint64(info.Size)), humanize.IBytes(uint64(v.limits.MaxFileSize)))
	}
	if info.Size == 0 {
		if ft.Kind == models.KindText {
			info.MimeType = "text/plain"
			return info, ""
		}
		return info, "file is empty"
	}

	detected := mimetype.Detect(u.Data)
	info.MimeType = detected.String()
	if !matches(detected, ft.MimeTypes) {
		return info, fmt.Sprintf("content type %s does not match extension %s", detected.String(), info.Extension)
	}
	return info, ""
}

func matches(detected *mimetype.MIME, allowed []string) bool {
	for m := detected; m != nil; m = m.Parent() {
		for _, a := range allowed {
			if m.Is(a) {
				return true
			}
		}
	}
	return false
}

// MaxNameBytes leaves room under the usual 255-byte file name limit for the
// stored index prefix and the derived .md and .txt names.
const MaxNameBytes = 200

func checkName(name string) string {
	switch {
	case len(name) > MaxNameBytes:
		return fmt.Sprintf("file name is longer than %d bytes", MaxNameBytes)
	case strings.TrimSpace(name) == "":
		return "file name is empty"
	case strings.ContainsAny(name, `/\`) || name == "." || name == "..":
		return "file name must not contain a path"
	case strings.ContainsRune(name, 0):
		return "file name contains a NUL byte"
	case strings.HasPrefix(name, "."):
		return "hidden files are not accepted"
	}
	return ""
}
