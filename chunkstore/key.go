package chunkstore

import "strconv"

// Key identifies one chunk of one version of a remote artifact.
type Key struct {
	URL     string
	Version string
	Index   int
}

// String renders the persistent key: "<url>-<version>-<index>".
func (k Key) String() string {
	return VersionPrefix(k.URL, k.Version) + strconv.Itoa(k.Index)
}

// ArtifactPrefix is the key prefix shared by every version of url.
func ArtifactPrefix(url string) string {
	return url + "-"
}

// VersionPrefix is the key prefix shared by every chunk of one version.
func VersionPrefix(url, version string) string {
	return url + "-" + version + "-"
}
