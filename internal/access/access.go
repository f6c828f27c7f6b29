// Package access holds the pure authorization predicates for documents.
// A document has exactly one owner and a set of collaborator user ids;
// every privileged operation re-evaluates these against a freshly loaded
// document, never against a cached decision.
package access

type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionShare Action = "share"
)

func Can(actorID string, action Action, ownerID string, collaborators []string) bool {
	if actorID == "" {
		return false
	}
	switch action {
	case ActionRead, ActionWrite:
		return actorID == ownerID || isCollaborator(actorID, collaborators)
	case ActionShare:
		return actorID == ownerID
	default:
		return false
	}
}

func CanRead(actorID, ownerID string, collaborators []string) bool {
	return Can(actorID, ActionRead, ownerID, collaborators)
}

func CanWrite(actorID, ownerID string, collaborators []string) bool {
	return Can(actorID, ActionWrite, ownerID, collaborators)
}

func CanManageSharing(actorID, ownerID string, collaborators []string) bool {
	return Can(actorID, ActionShare, ownerID, collaborators)
}

func isCollaborator(actorID string, collaborators []string) bool {
	for _, id := range collaborators {
		if id == actorID {
			return true
		}
	}
	return false
}
