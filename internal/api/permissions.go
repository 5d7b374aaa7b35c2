package api

import "fmt"

// knownPermissions is the closed allow-list of permissions a manifest may
// declare. Anything outside this set fails validation at store and at
// execution time.
var knownPermissions = map[string]bool{
	"fs.read":        true,
	"fs.write":       true,
	"net.fetch":      true,
	"net.serve":      true,
	"env.read":       true,
	"subprocess.run": true,
	"brain.query":    true,
	"artifact.read":  true,
	"artifact.write": true,
}

// dangerousPermissions are allowed but worth surfacing in logs whenever a
// plugin declaring them is executed.
var dangerousPermissions = map[string]bool{
	"fs.write":       true,
	"subprocess.run": true,
	"net.serve":      true,
}

// ValidatePermissions checks declared permissions against the allow-list.
// It returns the subset considered dangerous and an error naming the first
// unknown permission, if any.
func ValidatePermissions(permissions []string) ([]string, error) {
	var dangerous []string
	for _, p := range permissions {
		if !knownPermissions[p] {
			return nil, fmt.Errorf("permission %q is not in the allow-list", p)
		}
		if dangerousPermissions[p] {
			dangerous = append(dangerous, p)
		}
	}
	return dangerous, nil
}
