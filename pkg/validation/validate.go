package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"guesthub/pkg/models"
)

// Rules bounds the shape of message content accepted from staff and guests.
type Rules struct {
	MaxBodyLen  int
	MaxMetaKeys int
}

var rules = Rules{MaxBodyLen: 4096, MaxMetaKeys: 16}

func SetRules(r Rules) {
	if r.MaxBodyLen > 0 {
		rules.MaxBodyLen = r.MaxBodyLen
	}
	if r.MaxMetaKeys > 0 {
		rules.MaxMetaKeys = r.MaxMetaKeys
	}
}

// ValidateContent checks a message body before it enters a thread.
func ValidateContent(c models.Content) error {
	var errs []string

	switch c.Type {
	case models.ContentText, models.ContentTemplate:
		if strings.TrimSpace(c.Body) == "" {
			errs = append(errs, "body is required")
		}
	case models.ContentImage:
		if c.MediaURL == "" {
			errs = append(errs, "media_url is required for image content")
		}
	case models.ContentLocation:
		if c.Body == "" && c.Meta["lat"] == "" {
			errs = append(errs, "location needs a body or coordinates")
		}
	case "":
		errs = append(errs, "content type is required")
	default:
		errs = append(errs, fmt.Sprintf("unknown content type: %s", c.Type))
	}

	if !utf8.ValidString(c.Body) {
		errs = append(errs, "body is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(c.Body); n > rules.MaxBodyLen {
		errs = append(errs, fmt.Sprintf("body exceeds max length %d (got %d)", rules.MaxBodyLen, n))
	}
	if c.MediaURL != "" {
		if u, err := url.Parse(c.MediaURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, "media_url must be an absolute http(s) URL")
		}
	}
	if len(c.Meta) > rules.MaxMetaKeys {
		errs = append(errs, fmt.Sprintf("too many meta keys (max %d)", rules.MaxMetaKeys))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
