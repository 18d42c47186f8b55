package gitlab

// mergeRequestPayload is the subset of a GitLab "Merge Request Hook"
// delivery the adapter reads.
type mergeRequestPayload struct {
	ObjectKind       string           `json:"object_kind"`
	EventType        string           `json:"event_type"`
	User             hookUser         `json:"user"`
	Project          hookProject      `json:"project"`
	ObjectAttributes objectAttributes `json:"object_attributes"`
}

type hookUser struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

type hookProject struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
}

type objectAttributes struct {
	ID           int        `json:"id"`
	IID          int        `json:"iid"`
	Title        string     `json:"title"`
	State        string     `json:"state"`
	Action       string     `json:"action"`
	SourceBranch string     `json:"source_branch"`
	TargetBranch string     `json:"target_branch"`
	URL          string     `json:"url"`
	LastCommit   lastCommit `json:"last_commit"`
	// OldRev is only present on updates that pushed new commits.
	OldRev string `json:"oldrev"`
}

type lastCommit struct {
	ID string `json:"id"`
}
