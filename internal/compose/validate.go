package compose

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

var namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ValidName reports whether name is usable as a compose project name and
// as a directory under the stacks root.
func ValidName(name string) bool {
	return len(name) <= 128 && namePattern.MatchString(name)
}

// ValidateYAML checks that content is a well-formed YAML document whose root
// is a mapping. It does not check compose semantics.
func ValidateYAML(content string) error {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidComposeSyntax, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return fmt.Errorf("%w: empty document", ErrInvalidComposeSyntax)
	}
	if root := doc.Content[0]; root.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: line %d: top level must be a mapping", ErrInvalidComposeSyntax, root.Line)
	}
	return nil
}
