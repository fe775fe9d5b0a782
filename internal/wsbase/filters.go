package wsbase

import (
	"fmt"
	"regexp"
)

// CompileNameFilters compiles optional include/exclude regex strings used to
// scope list responses by name. An empty string yields a nil filter.
func CompileNameFilters(includeStr, excludeStr string) (*regexp.Regexp, *regexp.Regexp, error) {
	var include, exclude *regexp.Regexp
	if includeStr != "" {
		var err error
		include, err = regexp.Compile(includeStr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid include filter: %v", err)
		}
	}
	if excludeStr != "" {
		var err error
		exclude, err = regexp.Compile(excludeStr)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid exclude filter: %v", err)
		}
	}
	return include, exclude, nil
}

// PassesFilter reports whether name passes the include/exclude filters.
// A nil include matches everything; a nil exclude rejects nothing.
func PassesFilter(name string, include, exclude *regexp.Regexp) bool {
	if include != nil && !include.MatchString(name) {
		return false
	}
	if exclude != nil && exclude.MatchString(name) {
		return false
	}
	return true
}
