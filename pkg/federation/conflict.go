package federation

import "fmt"

// Resolution names the outcome of merging one inbound resource.
type Resolution string

const (
	ResolutionInserted   Resolution = "inserted"
	ResolutionLocalWins  Resolution = "local_wins"
	ResolutionRemoteWins Resolution = "remote_wins"
)

// Resolve decides what happens to an inbound resource. Order matters:
// origin authority beats version, version beats lastModified.
func Resolve(local *Resource, remote Resource, localRealm string) (Resolution, string) {
	if local == nil {
		return ResolutionInserted, "new resource"
	}
	if local.OriginRealm == localRealm {
		return ResolutionLocalWins, fmt.Sprintf("%s is origin authority for %s", localRealm, local.ResourceID)
	}
	if remote.Version > local.Version {
		return ResolutionRemoteWins, fmt.Sprintf("remote version %d > local %d", remote.Version, local.Version)
	}
	if remote.Version == local.Version {
		if remote.LastModified.After(local.LastModified) {
			return ResolutionRemoteWins, "equal version, remote modified more recently"
		}
		return ResolutionLocalWins, "equal version, local modified more recently"
	}
	return ResolutionLocalWins, fmt.Sprintf("local version %d >= remote %d", local.Version, remote.Version)
}
