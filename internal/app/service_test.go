package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"arbor/api/internal/config"
	"arbor/api/internal/search"
	"arbor/api/internal/store"
)

type fakeStore struct {
	pingFn                 func(context.Context) error
	getUserByIDFn          func(context.Context, string) (store.User, error)
	isAccessTokenRevokedFn func(context.Context, string) (bool, error)
	insertDocumentFn       func(context.Context, store.Document) error
	getDocumentFn          func(context.Context, string) (store.Document, error)
	updateDocumentFn       func(context.Context, string, store.DocumentPatch) error
	setArchivedFn          func(context.Context, string, bool) error
	listChildrenFn         func(context.Context, *string, string, store.ChildOrder) ([]store.Document, error)
	listSharedRootsFn      func(context.Context, string) ([]store.Document, error)
	listChildIDsFn         func(context.Context, string, string) ([]string, error)
	listTrashFn            func(context.Context, string) ([]store.Document, error)
	deleteDocumentFn       func(context.Context, string) error
	addCollaboratorFn      func(context.Context, string, string) error
	removeCollaboratorFn   func(context.Context, string, string) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}
func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Someone"}, nil
}
func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error { return nil }
func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}
func (f *fakeStore) InsertDocument(ctx context.Context, doc store.Document) error {
	if f.insertDocumentFn != nil {
		return f.insertDocumentFn(ctx, doc)
	}
	return nil
}
func (f *fakeStore) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, documentID)
	}
	return store.Document{}, sql.ErrNoRows
}
func (f *fakeStore) UpdateDocument(ctx context.Context, documentID string, patch store.DocumentPatch) error {
	if f.updateDocumentFn != nil {
		return f.updateDocumentFn(ctx, documentID, patch)
	}
	return nil
}
func (f *fakeStore) SetArchived(ctx context.Context, documentID string, archived bool) error {
	if f.setArchivedFn != nil {
		return f.setArchivedFn(ctx, documentID, archived)
	}
	return nil
}
func (f *fakeStore) ListChildren(ctx context.Context, parentID *string, ownerID string, order store.ChildOrder) ([]store.Document, error) {
	if f.listChildrenFn != nil {
		return f.listChildrenFn(ctx, parentID, ownerID, order)
	}
	return nil, nil
}
func (f *fakeStore) ListSharedRoots(ctx context.Context, userID string) ([]store.Document, error) {
	if f.listSharedRootsFn != nil {
		return f.listSharedRootsFn(ctx, userID)
	}
	return nil, nil
}
func (f *fakeStore) ListChildIDs(ctx context.Context, parentID, ownerID string) ([]string, error) {
	if f.listChildIDsFn != nil {
		return f.listChildIDsFn(ctx, parentID, ownerID)
	}
	return nil, nil
}
func (f *fakeStore) ListTrash(ctx context.Context, ownerID string) ([]store.Document, error) {
	if f.listTrashFn != nil {
		return f.listTrashFn(ctx, ownerID)
	}
	return nil, nil
}
func (f *fakeStore) DeleteDocument(ctx context.Context, documentID string) error {
	if f.deleteDocumentFn != nil {
		return f.deleteDocumentFn(ctx, documentID)
	}
	return nil
}
func (f *fakeStore) AddCollaborator(ctx context.Context, documentID, userID string) error {
	if f.addCollaboratorFn != nil {
		return f.addCollaboratorFn(ctx, documentID, userID)
	}
	return nil
}
func (f *fakeStore) RemoveCollaborator(ctx context.Context, documentID, userID string) error {
	if f.removeCollaboratorFn != nil {
		return f.removeCollaboratorFn(ctx, documentID, userID)
	}
	return nil
}

// storeWithDocs backs the document methods with a mutable map so cascades can
// be observed end to end.
func storeWithDocs(docs map[string]store.Document) *fakeStore {
	return &fakeStore{
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			doc, ok := docs[id]
			if !ok {
				return store.Document{}, sql.ErrNoRows
			}
			return doc, nil
		},
		setArchivedFn: func(_ context.Context, id string, archived bool) error {
			doc, ok := docs[id]
			if !ok {
				return sql.ErrNoRows
			}
			doc.IsArchived = archived
			docs[id] = doc
			return nil
		},
		listChildIDsFn: func(_ context.Context, parentID, ownerID string) ([]string, error) {
			var ids []string
			for id, doc := range docs {
				if doc.ParentID != nil && *doc.ParentID == parentID && doc.OwnerID == ownerID {
					ids = append(ids, id)
				}
			}
			sort.Strings(ids)
			return ids, nil
		},
	}
}

type fakeSessions struct {
	mu      sync.Mutex
	entries map[string]store.User
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{entries: make(map[string]store.User)}
}

func (f *fakeSessions) SaveRefreshSession(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[tokenHash] = user
	return nil
}

func (f *fakeSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.entries[tokenHash]
	if !ok {
		return store.User{}, errors.New("refresh session not found")
	}
	return user, nil
}

func (f *fakeSessions) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, tokenHash)
	return nil
}

type fakeIdentity struct {
	resolveEmailFn func(context.Context, string) (store.User, error)
	profileFn      func(context.Context, string) (store.User, error)
}

func (f *fakeIdentity) ResolveEmail(ctx context.Context, email string) (store.User, error) {
	if f.resolveEmailFn != nil {
		return f.resolveEmailFn(ctx, email)
	}
	return store.User{}, errors.New("no account for email")
}

func (f *fakeIdentity) Profile(ctx context.Context, userID string) (store.User, error) {
	if f.profileFn != nil {
		return f.profileFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Someone"}, nil
}

type fakeSearch struct {
	mu      sync.Mutex
	indexed []string
	deleted []string
}

func (f *fakeSearch) Search(search.Query) search.Response { return search.Response{} }
func (f *fakeSearch) IndexDocument(doc search.DocumentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, doc.ID)
}
func (f *fakeSearch) DeleteDocument(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
}
func (f *fakeSearch) ReindexAllFromPG(context.Context) {}

func (f *fakeSearch) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func testConfig() config.Config {
	return config.Config{
		TokenSecret:  "test-secret",
		AccessTTL:    time.Hour,
		RefreshTTL:   24 * time.Hour,
		MaxPathDepth: 16,
	}
}

func ptr(s string) *string { return &s }

func ownedDoc(id, ownerID string, parentID *string) store.Document {
	return store.Document{ID: id, Title: id, OwnerID: ownerID, ParentID: parentID}
}

func TestCreateDocumentDefaultsTitle(t *testing.T) {
	var inserted store.Document
	st := &fakeStore{
		insertDocumentFn: func(_ context.Context, doc store.Document) error {
			inserted = doc
			return nil
		},
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			if id != inserted.ID {
				return store.Document{}, sql.ErrNoRows
			}
			return inserted, nil
		},
	}
	svc := New(testConfig(), Deps{Store: st})

	doc, err := svc.CreateDocument(context.Background(), Session{UserID: "usr_alice", UserName: "Alice"}, "", nil)
	if err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if doc.Title != "Untitled" {
		t.Fatalf("Title = %q, want Untitled", doc.Title)
	}
	if doc.OwnerID != "usr_alice" {
		t.Fatalf("OwnerID = %q, want usr_alice", doc.OwnerID)
	}
	if doc.ID == "" {
		t.Fatal("expected a generated document id")
	}
}

func TestGetDocumentEnforcesReadAccess(t *testing.T) {
	docs := map[string]store.Document{
		"doc_1": {ID: "doc_1", OwnerID: "usr_alice", Collaborators: []string{"usr_bob"}},
	}
	svc := New(testConfig(), Deps{Store: storeWithDocs(docs)})

	cases := []struct {
		name     string
		actor    string
		doc      string
		wantCode string
	}{
		{name: "owner reads", actor: "usr_alice", doc: "doc_1"},
		{name: "collaborator reads", actor: "usr_bob", doc: "doc_1"},
		{name: "stranger is refused", actor: "usr_eve", doc: "doc_1", wantCode: "UNAUTHORIZED"},
		{name: "missing document", actor: "usr_alice", doc: "doc_gone", wantCode: "NOT_FOUND"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.GetDocument(context.Background(), Session{UserID: tc.actor}, tc.doc)
			assertDomainCode(t, err, tc.wantCode)
		})
	}
}

func assertDomainCode(t *testing.T, err error, wantCode string) {
	t.Helper()
	if wantCode == "" {
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		return
	}
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("error = %v, want *DomainError with code %s", err, wantCode)
	}
	if domainErr.Code != wantCode {
		t.Fatalf("code = %s, want %s", domainErr.Code, wantCode)
	}
}

func TestUpdateDocumentKeepsSearchTextInStep(t *testing.T) {
	var gotPatch store.DocumentPatch
	st := storeWithDocs(map[string]store.Document{
		"doc_1": {ID: "doc_1", OwnerID: "usr_alice"},
	})
	st.updateDocumentFn = func(_ context.Context, _ string, patch store.DocumentPatch) error {
		gotPatch = patch
		return nil
	}
	svc := New(testConfig(), Deps{Store: st})

	content := []byte(`{"blocks":[{"id":"blk_1","type":"paragraph","text":"hello world"}]}`)
	_, err := svc.UpdateDocument(context.Background(), Session{UserID: "usr_alice"}, "doc_1", UpdateDocumentInput{Content: content})
	if err != nil {
		t.Fatalf("UpdateDocument() error = %v", err)
	}
	if gotPatch.ContentText == nil {
		t.Fatal("expected content text alongside content")
	}
	if *gotPatch.ContentText != "hello world" {
		t.Fatalf("ContentText = %q, want %q", *gotPatch.ContentText, "hello world")
	}
}

func TestUpdateDocumentRequiresWriteAccess(t *testing.T) {
	svc := New(testConfig(), Deps{Store: storeWithDocs(map[string]store.Document{
		"doc_1": {ID: "doc_1", OwnerID: "usr_alice"},
	})})

	title := "New title"
	_, err := svc.UpdateDocument(context.Background(), Session{UserID: "usr_eve"}, "doc_1", UpdateDocumentInput{Title: &title})
	assertDomainCode(t, err, "UNAUTHORIZED")
}

func TestArchiveCascadesThroughOwnedSubtree(t *testing.T) {
	docs := map[string]store.Document{
		"doc_root": ownedDoc("doc_root", "usr_alice", nil),
		"doc_a":    ownedDoc("doc_a", "usr_alice", ptr("doc_root")),
		"doc_a1":   ownedDoc("doc_a1", "usr_alice", ptr("doc_a")),
		"doc_b":    ownedDoc("doc_b", "usr_alice", ptr("doc_root")),
		// Bob owns a node parented under Alice's tree; her cascade skips it.
		"doc_bob": ownedDoc("doc_bob", "usr_bob", ptr("doc_root")),
	}
	idx := &fakeSearch{}
	svc := New(testConfig(), Deps{Store: storeWithDocs(docs), Search: idx})

	result, err := svc.ArchiveDocument(context.Background(), Session{UserID: "usr_alice"}, "doc_root")
	if err != nil {
		t.Fatalf("ArchiveDocument() error = %v", err)
	}

	want := []string{"doc_root", "doc_a", "doc_b", "doc_a1"}
	if len(result.Affected) != len(want) {
		t.Fatalf("Affected = %v, want %v", result.Affected, want)
	}
	for i, id := range want {
		if result.Affected[i] != id {
			t.Fatalf("Affected = %v, want %v", result.Affected, want)
		}
	}
	for _, id := range want {
		if !docs[id].IsArchived {
			t.Fatalf("expected %s archived", id)
		}
	}
	if docs["doc_bob"].IsArchived {
		t.Fatal("cascade must not touch another owner's node")
	}
	if got := idx.deletedIDs(); len(got) != len(want) {
		t.Fatalf("search deletions = %v, want one per archived node", got)
	}
}

func TestArchiveIsIdempotent(t *testing.T) {
	docs := map[string]store.Document{
		"doc_root": ownedDoc("doc_root", "usr_alice", nil),
		"doc_a":    ownedDoc("doc_a", "usr_alice", ptr("doc_root")),
	}
	svc := New(testConfig(), Deps{Store: storeWithDocs(docs)})

	actor := Session{UserID: "usr_alice"}
	if _, err := svc.ArchiveDocument(context.Background(), actor, "doc_root"); err != nil {
		t.Fatalf("first archive error = %v", err)
	}
	result, err := svc.ArchiveDocument(context.Background(), actor, "doc_root")
	if err != nil {
		t.Fatalf("second archive error = %v", err)
	}
	if len(result.Affected) != 2 {
		t.Fatalf("Affected = %v, want both nodes re-confirmed", result.Affected)
	}
}

func TestArchivePartialFailureNamesLastProcessedNode(t *testing.T) {
	docs := map[string]store.Document{
		"doc_root": ownedDoc("doc_root", "usr_alice", nil),
		"doc_a":    ownedDoc("doc_a", "usr_alice", ptr("doc_root")),
	}
	st := storeWithDocs(docs)
	inner := st.setArchivedFn
	st.setArchivedFn = func(ctx context.Context, id string, archived bool) error {
		if id == "doc_a" {
			return errors.New("connection reset")
		}
		return inner(ctx, id, archived)
	}
	svc := New(testConfig(), Deps{Store: st})

	_, err := svc.ArchiveDocument(context.Background(), Session{UserID: "usr_alice"}, "doc_root")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "PARTIAL_FAILURE" {
		t.Fatalf("error = %v, want PARTIAL_FAILURE", err)
	}
	details, ok := domainErr.Details.(map[string]any)
	if !ok {
		t.Fatalf("Details = %T, want map", domainErr.Details)
	}
	if details["lastProcessed"] != "doc_root" {
		t.Fatalf("lastProcessed = %v, want doc_root", details["lastProcessed"])
	}
	if !docs["doc_root"].IsArchived {
		t.Fatal("root should stay archived so a retry can resume")
	}
}

func TestRestoreIsOwnerOnly(t *testing.T) {
	svc := New(testConfig(), Deps{Store: storeWithDocs(map[string]store.Document{
		"doc_1": {ID: "doc_1", OwnerID: "usr_alice", Collaborators: []string{"usr_bob"}, IsArchived: true},
	})})

	_, err := svc.RestoreDocument(context.Background(), Session{UserID: "usr_bob"}, "doc_1")
	assertDomainCode(t, err, "UNAUTHORIZED")
}

func TestGetPathWalksToRoot(t *testing.T) {
	docs := map[string]store.Document{
		"doc_root": ownedDoc("doc_root", "usr_alice", nil),
		"doc_mid":  ownedDoc("doc_mid", "usr_alice", ptr("doc_root")),
		"doc_leaf": ownedDoc("doc_leaf", "usr_alice", ptr("doc_mid")),
	}
	svc := New(testConfig(), Deps{Store: storeWithDocs(docs)})

	path, err := svc.GetPath(context.Background(), Session{UserID: "usr_alice"}, "doc_leaf")
	if err != nil {
		t.Fatalf("GetPath() error = %v", err)
	}
	want := []string{"doc_root", "doc_mid", "doc_leaf"}
	if len(path) != len(want) {
		t.Fatalf("path length = %d, want %d", len(path), len(want))
	}
	for i, id := range want {
		if path[i].ID != id {
			t.Fatalf("path[%d] = %s, want %s", i, path[i].ID, id)
		}
	}
}

func TestGetPathStopsAtDanglingParent(t *testing.T) {
	docs := map[string]store.Document{
		"doc_leaf": ownedDoc("doc_leaf", "usr_alice", ptr("doc_gone")),
	}
	svc := New(testConfig(), Deps{Store: storeWithDocs(docs)})

	path, err := svc.GetPath(context.Background(), Session{UserID: "usr_alice"}, "doc_leaf")
	if err != nil {
		t.Fatalf("GetPath() error = %v", err)
	}
	if len(path) != 1 || path[0].ID != "doc_leaf" {
		t.Fatalf("path = %v, want just the leaf", path)
	}
}

func TestGetPathRefusesCyclicAncestry(t *testing.T) {
	docs := map[string]store.Document{
		"doc_a": ownedDoc("doc_a", "usr_alice", ptr("doc_b")),
		"doc_b": ownedDoc("doc_b", "usr_alice", ptr("doc_a")),
	}
	svc := New(testConfig(), Deps{Store: storeWithDocs(docs)})

	_, err := svc.GetPath(context.Background(), Session{UserID: "usr_alice"}, "doc_a")
	assertDomainCode(t, err, "INVALID_STATE")
}

func TestDeleteDocumentRequiresArchivedState(t *testing.T) {
	deleted := false
	st := storeWithDocs(map[string]store.Document{
		"doc_live":     {ID: "doc_live", OwnerID: "usr_alice"},
		"doc_archived": {ID: "doc_archived", OwnerID: "usr_alice", IsArchived: true},
	})
	st.deleteDocumentFn = func(context.Context, string) error {
		deleted = true
		return nil
	}
	svc := New(testConfig(), Deps{Store: st})
	actor := Session{UserID: "usr_alice"}

	err := svc.DeleteDocument(context.Background(), actor, "doc_live")
	assertDomainCode(t, err, "INVALID_STATE")
	if deleted {
		t.Fatal("live document must not be deleted")
	}

	if err := svc.DeleteDocument(context.Background(), actor, "doc_archived"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	if !deleted {
		t.Fatal("expected archived document deleted")
	}
}

func TestDeleteDocumentIsOwnerOnly(t *testing.T) {
	svc := New(testConfig(), Deps{Store: storeWithDocs(map[string]store.Document{
		"doc_1": {ID: "doc_1", OwnerID: "usr_alice", Collaborators: []string{"usr_bob"}, IsArchived: true},
	})})

	err := svc.DeleteDocument(context.Background(), Session{UserID: "usr_bob"}, "doc_1")
	assertDomainCode(t, err, "UNAUTHORIZED")
}

func TestAddCollaboratorGuards(t *testing.T) {
	identity := &fakeIdentity{
		resolveEmailFn: func(_ context.Context, email string) (store.User, error) {
			switch email {
			case "alice@example.com":
				return store.User{ID: "usr_alice", Email: email}, nil
			case "bob@example.com":
				return store.User{ID: "usr_bob", Email: email}, nil
			case "carol@example.com":
				return store.User{ID: "usr_carol", Email: email, DisplayName: "Carol"}, nil
			}
			return store.User{}, errors.New("no account")
		},
	}
	st := storeWithDocs(map[string]store.Document{
		"doc_1": {ID: "doc_1", Title: "Plans", OwnerID: "usr_alice", Collaborators: []string{"usr_bob"}},
	})
	svc := New(testConfig(), Deps{Store: st, Identity: identity})
	owner := Session{UserID: "usr_alice", UserName: "Alice"}

	cases := []struct {
		name     string
		actor    Session
		email    string
		wantCode string
	}{
		{name: "non-owner cannot share", actor: Session{UserID: "usr_bob"}, email: "carol@example.com", wantCode: "UNAUTHORIZED"},
		{name: "unknown email", actor: owner, email: "nobody@example.com", wantCode: "NOT_FOUND"},
		{name: "owner already has access", actor: owner, email: "alice@example.com", wantCode: "CONFLICT"},
		{name: "duplicate collaborator", actor: owner, email: "bob@example.com", wantCode: "CONFLICT"},
		{name: "grant succeeds", actor: owner, email: "carol@example.com"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			user, err := svc.AddCollaborator(context.Background(), tc.actor, "doc_1", tc.email)
			assertDomainCode(t, err, tc.wantCode)
			if tc.wantCode == "" && user.ID != "usr_carol" {
				t.Fatalf("granted user = %q, want usr_carol", user.ID)
			}
		})
	}
}

func TestRemoveCollaboratorNoopForNonMember(t *testing.T) {
	removed := false
	st := storeWithDocs(map[string]store.Document{
		"doc_1": {ID: "doc_1", OwnerID: "usr_alice", Collaborators: []string{"usr_bob"}},
	})
	st.removeCollaboratorFn = func(context.Context, string, string) error {
		removed = true
		return nil
	}
	svc := New(testConfig(), Deps{Store: st})

	if err := svc.RemoveCollaborator(context.Background(), Session{UserID: "usr_alice"}, "doc_1", "usr_stranger"); err != nil {
		t.Fatalf("RemoveCollaborator() error = %v", err)
	}
	if removed {
		t.Fatal("removing a non-member must be a no-op")
	}

	if err := svc.RemoveCollaborator(context.Background(), Session{UserID: "usr_alice"}, "doc_1", "usr_bob"); err != nil {
		t.Fatalf("RemoveCollaborator() error = %v", err)
	}
	if !removed {
		t.Fatal("expected member removed")
	}
}

func TestSessionRefreshRotatesToken(t *testing.T) {
	sessions := newFakeSessions()
	svc := New(testConfig(), Deps{Store: &fakeStore{}, Sessions: sessions})
	user := store.User{ID: "usr_alice", DisplayName: "Alice"}

	issued, err := svc.IssueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("IssueSession() error = %v", err)
	}
	refreshed, err := svc.Refresh(context.Background(), issued.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if refreshed.RefreshToken == issued.RefreshToken {
		t.Fatal("refresh must rotate the refresh token")
	}
	if _, err := svc.Refresh(context.Background(), issued.RefreshToken); err == nil {
		t.Fatal("a used refresh token must be revoked")
	}
}

func TestSessionFromTokenRejectsRevokedJTI(t *testing.T) {
	sessions := newFakeSessions()
	st := &fakeStore{
		isAccessTokenRevokedFn: func(context.Context, string) (bool, error) {
			return true, nil
		},
	}
	svc := New(testConfig(), Deps{Store: st, Sessions: sessions})

	issued, err := svc.IssueSession(context.Background(), store.User{ID: "usr_alice", DisplayName: "Alice"})
	if err != nil {
		t.Fatalf("IssueSession() error = %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), issued.Token); err == nil {
		t.Fatal("revoked token must not authenticate")
	}
}

func TestJoinRoomRefusesArchivedDocument(t *testing.T) {
	svc := New(testConfig(), Deps{Store: storeWithDocs(map[string]store.Document{
		"doc_1": {ID: "doc_1", OwnerID: "usr_alice", IsArchived: true},
	})})

	_, _, err := svc.JoinRoom(context.Background(), Session{UserID: "usr_alice"}, "doc_1")
	assertDomainCode(t, err, "INVALID_STATE")
}

func TestJoinRoomRefusesStranger(t *testing.T) {
	svc := New(testConfig(), Deps{Store: storeWithDocs(map[string]store.Document{
		"doc_1": {ID: "doc_1", OwnerID: "usr_alice"},
	})})

	_, _, err := svc.JoinRoom(context.Background(), Session{UserID: "usr_eve"}, "doc_1")
	assertDomainCode(t, err, "UNAUTHORIZED")
}

func TestArchiveCascadeTerminatesOnCyclicParentGraph(t *testing.T) {
	// Corrupt data shape: two nodes each claiming the other as parent. The
	// walk must still visit each node exactly once and terminate.
	docs := map[string]store.Document{
		"doc_a": ownedDoc("doc_a", "usr_alice", ptr("doc_b")),
		"doc_b": ownedDoc("doc_b", "usr_alice", ptr("doc_a")),
	}
	st := storeWithDocs(docs)
	archiveCalls := make(map[string]int)
	inner := st.setArchivedFn
	st.setArchivedFn = func(ctx context.Context, id string, archived bool) error {
		archiveCalls[id]++
		return inner(ctx, id, archived)
	}
	svc := New(testConfig(), Deps{Store: st})

	result, err := svc.ArchiveDocument(context.Background(), Session{UserID: "usr_alice"}, "doc_a")
	if err != nil {
		t.Fatalf("ArchiveDocument() error = %v", err)
	}
	if len(result.Affected) != 2 {
		t.Fatalf("Affected = %v, want both cycle members exactly once", result.Affected)
	}
	for _, id := range []string{"doc_a", "doc_b"} {
		if archiveCalls[id] != 1 {
			t.Fatalf("SetArchived(%s) called %d times, want 1", id, archiveCalls[id])
		}
		if !docs[id].IsArchived {
			t.Fatalf("expected %s archived", id)
		}
	}
}
