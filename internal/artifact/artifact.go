// Package artifact resolves Target/Strategy pairs to deployable artifact
// refs and builds the run bundles shipped to agents. Step type definitions
// live in the steps subpackage.
package artifact

import (
	"github.com/d53dave/cgopt/internal/artifact/steps"
)

// Re-export step types for convenience
type (
	Step      = steps.Step
	Result    = steps.Result
	Write     = steps.Write
	Read      = steps.Read
	Archive   = steps.Archive
	Unarchive = steps.Unarchive
	List      = steps.List
)
