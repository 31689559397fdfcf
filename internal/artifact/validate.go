package artifact

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/d53dave/cgopt/internal/apperrors"
)

// ValidatePlan checks step ids, dependency references and paths before any
// step touches the filesystem. Steps may only depend on earlier steps.
func ValidatePlan(plan []Step) error {
	seen := make(map[string]bool, len(plan))

	for i, s := range plan {
		if err := validateStep(i, s); err != nil {
			return err
		}

		id := s.StepID()
		if seen[id] {
			return apperrors.Validation(fmt.Sprintf("steps[%d].id", i), fmt.Sprintf("step[%d]: duplicate id %q", i, id))
		}
		if dep := s.DependsOn(); dep != "" && !seen[dep] {
			return apperrors.Validation(fmt.Sprintf("steps[%d].depends", i), fmt.Sprintf("step[%d]: depends on unknown or later step %q", i, dep))
		}
		seen[id] = true
	}

	return nil
}

// validateStep validates a single step at the given index.
func validateStep(i int, s Step) error {
	field := fmt.Sprintf("steps[%d]", i)

	if s.StepID() == "" {
		return apperrors.Validation(field+".id", fmt.Sprintf("step[%d]: id is required", i))
	}

	switch st := s.(type) {
	case *Write:
		if st.Out == "" {
			return apperrors.Validation(field+".out", fmt.Sprintf("step[%d]: out (path) is required", i))
		}
		if err := validatePath(st.Out); err != nil {
			return apperrors.Validation(field+".out", fmt.Sprintf("step[%d]: invalid out (path): %v", i, err))
		}
		if st.In == "" {
			return apperrors.Validation(field+".in", fmt.Sprintf("step[%d]: in (content) is required", i))
		}

	case *Read:
		if st.In == "" {
			return apperrors.Validation(field+".in", fmt.Sprintf("step[%d]: in (path) is required", i))
		}
		if err := validatePath(st.In); err != nil {
			return apperrors.Validation(field+".in", fmt.Sprintf("step[%d]: invalid in (path): %v", i, err))
		}

	case *Archive:
		if st.In == "" {
			return apperrors.Validation(field+".in", fmt.Sprintf("step[%d]: in (path) is required", i))
		}
		if err := validatePath(st.In); err != nil {
			return apperrors.Validation(field+".in", fmt.Sprintf("step[%d]: invalid in (path): %v", i, err))
		}
		if st.Out == "" {
			return apperrors.Validation(field+".out", fmt.Sprintf("step[%d]: out (dest) is required", i))
		}
		if err := validatePath(st.Out); err != nil {
			return apperrors.Validation(field+".out", fmt.Sprintf("step[%d]: invalid out (dest): %v", i, err))
		}
		if st.Format != "tar.gz" {
			return apperrors.Validation(field+".format", fmt.Sprintf("step[%d]: format must be \"tar.gz\"", i))
		}

	case *Unarchive:
		if st.In == "" {
			return apperrors.Validation(field+".in", fmt.Sprintf("step[%d]: in (path) is required", i))
		}
		if err := validatePath(st.In); err != nil {
			return apperrors.Validation(field+".in", fmt.Sprintf("step[%d]: invalid in (path): %v", i, err))
		}
		if st.Out == "" {
			return apperrors.Validation(field+".out", fmt.Sprintf("step[%d]: out (dest) is required", i))
		}
		if err := validatePath(st.Out); err != nil {
			return apperrors.Validation(field+".out", fmt.Sprintf("step[%d]: invalid out (dest): %v", i, err))
		}

	case *List:
		if st.In == "" {
			return apperrors.Validation(field+".in", fmt.Sprintf("step[%d]: in (path) is required", i))
		}
		if err := validatePath(st.In); err != nil {
			return apperrors.Validation(field+".in", fmt.Sprintf("step[%d]: invalid in (path): %v", i, err))
		}

	default:
		return apperrors.Validation(field+".type", fmt.Sprintf("step[%d]: unknown step type %T", i, s))
	}

	return nil
}

func validatePath(path string) error {
	if path == "" {
		return nil
	}

	if filepath.IsAbs(path) {
		return fmt.Errorf("path must be relative, not absolute")
	}

	cleaned := filepath.Clean(path)
	if strings.HasPrefix(cleaned, "..") {
		return fmt.Errorf("path traversal not allowed")
	}

	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}

	return nil
}
