package container

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Label keys attached to every managed container and volume. Cleanup
// selects by component label, never by name.
const (
	LabelComponent = "component"
	LabelProjectID = "project_id"
	LabelCreated   = "created"
	LabelTTLDays   = "ttl_days"

	// ComponentValue marks resources owned by this manager.
	ComponentValue = "clarity-project"
)

// projectIDPattern is the stricter container-level project id format:
// no slashes, bounded length. The manager validates defensively even
// though ingress already checked the broader form.
var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// maxProjectIDLen bounds project ids at the container layer.
const maxProjectIDLen = 100

// ValidProjectID reports whether a project id is safe to embed in
// container and volume names.
func ValidProjectID(projectID string) bool {
	return len(projectID) > 0 &&
		len(projectID) <= maxProjectIDLen &&
		projectIDPattern.MatchString(projectID)
}

// Sanitize maps an ingress-format project id (customer/project) to the
// container-level form by replacing path separators.
func Sanitize(projectID string) string {
	return strings.ReplaceAll(projectID, "/", "-")
}

// DeterministicNames derives the container and volume names for a
// project. The sha256 prefix keeps names unique across projects whose
// sanitized ids collide, and stable across restarts.
func DeterministicNames(projectID string) (containerName, volumeName string) {
	sum := sha256.Sum256([]byte(projectID))
	hash8 := hex.EncodeToString(sum[:])[:8]
	containerName = "clarity-project-" + projectID + "-" + hash8
	volumeName = "clarity-project-vol-" + projectID + "-" + hash8
	return containerName, volumeName
}
