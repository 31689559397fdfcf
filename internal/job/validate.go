package job

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/d53dave/cgopt/internal/apperrors"
)

// Validation limits
const (
	maxJobIDLength    = 128
	maxMetaKeyLen     = 64
	maxMetaValueLen   = 256
	maxMetaEntries    = 32
	maxCallbackEvents = 16
)

// jobIDPattern allows alphanumeric, hyphens, and underscores
var jobIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Normalize fills generated fields: a uuid when no id is given and a
// time-derived seed when none is set. Submitted seeds are kept so runs can
// be reproduced.
func (s *Submission) Normalize() {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Seed == 0 {
		s.Seed = time.Now().UnixNano()
	}
}

// Validate checks a submission. It does not modify it.
func (s *Submission) Validate() error {
	if s.ID == "" {
		return apperrors.Validation("id", "job id is required")
	}
	if len(s.ID) > maxJobIDLength {
		return apperrors.Validation("id", fmt.Sprintf("job id exceeds maximum length of %d", maxJobIDLength))
	}
	if !jobIDPattern.MatchString(s.ID) {
		return apperrors.Validation("id", "job id must be alphanumeric (hyphens and underscores allowed, cannot start with hyphen/underscore)")
	}

	if s.ModelName == "" {
		return apperrors.Validation("model", "model name is required")
	}

	if len(s.Meta) > maxMetaEntries {
		return apperrors.Validation("meta", fmt.Sprintf("metadata exceeds maximum of %d entries", maxMetaEntries))
	}
	for k, v := range s.Meta {
		if len(k) > maxMetaKeyLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata key exceeds maximum length of %d", maxMetaKeyLen))
		}
		if len(v) > maxMetaValueLen {
			return apperrors.Validation("meta", fmt.Sprintf("metadata value exceeds maximum length of %d", maxMetaValueLen))
		}
	}

	if s.Callback != nil {
		if s.Callback.URL != "" {
			if err := validateURL(s.Callback.URL); err != nil {
				return apperrors.Validation("callback.url", fmt.Sprintf("invalid callback URL: %v", err))
			}
		}
		if len(s.Callback.Events) > maxCallbackEvents {
			return apperrors.Validation("callback.events", fmt.Sprintf("callback events exceed maximum of %d", maxCallbackEvents))
		}
	}

	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("malformed URL")
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
