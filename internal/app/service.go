package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"arbor/api/internal/access"
	"arbor/api/internal/assets"
	"arbor/api/internal/auth"
	"arbor/api/internal/authpw"
	"arbor/api/internal/collab"
	"arbor/api/internal/config"
	"arbor/api/internal/email"
	"arbor/api/internal/history"
	"arbor/api/internal/richtext"
	"arbor/api/internal/search"
	"arbor/api/internal/store"
	"arbor/api/internal/util"
)

// Session is the authenticated actor attached to a request.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Avatar       string
	JTI          string
	ExpiresAt    time.Time
}

// UpdateDocumentInput is a partial patch; absent fields are untouched.
type UpdateDocumentInput struct {
	Title      *string         `json:"title"`
	Content    json.RawMessage `json:"content"`
	Icon       *string         `json:"icon"`
	CoverImage *string         `json:"coverImage"`
}

// CascadeResult reports which documents an archive/restore walk touched, in
// visit order.
type CascadeResult struct {
	Affected []string `json:"affected"`
}

type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	InsertDocument(ctx context.Context, doc store.Document) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	UpdateDocument(ctx context.Context, documentID string, patch store.DocumentPatch) error
	SetArchived(ctx context.Context, documentID string, archived bool) error
	ListChildren(ctx context.Context, parentID *string, ownerID string, order store.ChildOrder) ([]store.Document, error)
	ListSharedRoots(ctx context.Context, userID string) ([]store.Document, error)
	ListChildIDs(ctx context.Context, parentID, ownerID string) ([]string, error)
	ListTrash(ctx context.Context, ownerID string) ([]store.Document, error)
	DeleteDocument(ctx context.Context, documentID string) error
	AddCollaborator(ctx context.Context, documentID, userID string) error
	RemoveCollaborator(ctx context.Context, documentID, userID string) error
}

// refreshStore holds refresh sessions with enough identity to mint access
// tokens without a user lookup. Redis-backed in production, Postgres when
// Redis is not configured.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type identityDirectory interface {
	ResolveEmail(ctx context.Context, email string) (store.User, error)
	Profile(ctx context.Context, userID string) (store.User, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	DeleteDocument(id string)
	ReindexAllFromPG(ctx context.Context)
}

type historyService interface {
	EnsureDocumentRepo(documentID string, initial history.Content, author string) error
	CommitContent(documentID string, content history.Content, author, message string) (store.CommitInfo, error)
	History(documentID string, limit int) ([]store.CommitInfo, error)
	GetContentByHash(documentID, hash string) (history.Content, error)
	DeleteDocumentRepo(documentID string) error
}

type roomRegistry interface {
	GetOrCreate(documentID string, load collab.LoadFunc) (*collab.Room, error)
	ForceClose(documentID, reason string)
	DisconnectUser(documentID, userID, reason string)
}

type pgSessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// PGRefreshSessions adapts the relational store to the refresh session
// interface, for deployments without Redis.
type PGRefreshSessions struct {
	Store pgSessionStore
}

func (p PGRefreshSessions) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	return p.Store.SaveRefreshSession(ctx, tokenHash, user.ID, expiresAt)
}

func (p PGRefreshSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	return p.Store.LookupRefreshSession(ctx, tokenHash)
}

func (p PGRefreshSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	return p.Store.RevokeRefreshSession(ctx, tokenHash)
}

// Deps are the collaborators the service orchestrates. Search, History,
// Assets, Email and Rooms are optional; a nil value disables that concern.
type Deps struct {
	Store    dataStore
	Sessions refreshStore
	Identity identityDirectory
	Auth     *authpw.Service
	Search   searchService
	History  historyService
	Assets   *assets.Service
	Email    *email.Service
	Rooms    roomRegistry
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore
	identity identityDirectory
	pw       *authpw.Service
	search   searchService
	history  historyService
	assets   *assets.Service
	email    *email.Service
	rooms    roomRegistry
}

func New(cfg config.Config, deps Deps) *Service {
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		identity: deps.Identity,
		pw:       deps.Auth,
		search:   deps.Search,
		history:  deps.History,
		assets:   deps.Assets,
		email:    deps.Email,
		rooms:    deps.Rooms,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap runs once at startup: it verifies storage connectivity and
// rebuilds the search index from Postgres in the background.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("storage unreachable: %w", err)
	}
	if s.search != nil {
		go s.search.ReindexAllFromPG(context.Background())
	}
	return nil
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.pw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// SendVerificationEmail delivers the signup verification mail, if SMTP is
// configured. Best-effort.
func (s *Service) SendVerificationEmail(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := fmt.Sprintf("%s/verify-email?token=%s", s.cfg.CORSOrigin, token)
	go func() {
		if err := s.email.SendVerificationEmail(to, userName, url); err != nil {
			log.Printf("app: send verification email to %s: %v", to, err)
		}
	}()
}

// SendPasswordResetEmail delivers the reset mail, if SMTP is configured.
func (s *Service) SendPasswordResetEmail(to, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	url := fmt.Sprintf("%s/reset-password?token=%s", s.cfg.CORSOrigin, token)
	go func() {
		if err := s.email.SendPasswordResetEmail(to, userName, url); err != nil {
			log.Printf("app: send password reset email to %s: %v", to, err)
		}
	}()
}

// --- sessions ---

// IssueSession mints an access token and a refresh token for a user.
func (s *Service) IssueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:    user.ID,
		Name:   user.DisplayName,
		Avatar: user.AvatarURL,
		JTI:    jti,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Avatar:       user.AvatarURL,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a new
// session is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.IssueSession(ctx, user)
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Avatar:    user.AvatarURL,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Signout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// --- document tree ---

// CreateDocument always succeeds for an authenticated caller. parentId is not
// validated for ownership: inserting under a shared parent is allowed, and
// visibility of the new node still follows the access predicates.
func (s *Service) CreateDocument(ctx context.Context, actor Session, title string, parentID *string) (store.Document, error) {
	if actor.UserID == "" {
		return store.Document{}, errUnauthenticated("sign in to create documents")
	}
	if title == "" {
		title = "Untitled"
	}

	doc := store.Document{
		ID:       util.NewID("doc"),
		Title:    title,
		ParentID: parentID,
		OwnerID:  actor.UserID,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}

	created, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return store.Document{}, err
	}

	if s.history != nil {
		if err := s.history.EnsureDocumentRepo(doc.ID, history.Content{Title: title}, actor.UserName); err != nil {
			log.Printf("app: init history for %s: %v", doc.ID, err)
		}
	}
	s.indexDocument(created)
	return created, nil
}

func (s *Service) GetDocument(ctx context.Context, actor Session, documentID string) (store.Document, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if !access.CanRead(actor.UserID, doc.OwnerID, doc.Collaborators) {
		return store.Document{}, errUnauthorized("you do not have access to this document")
	}
	return doc, nil
}

func (s *Service) UpdateDocument(ctx context.Context, actor Session, documentID string, input UpdateDocumentInput) (store.Document, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if !access.CanWrite(actor.UserID, doc.OwnerID, doc.Collaborators) {
		return store.Document{}, errUnauthorized("you cannot edit this document")
	}

	patch := store.DocumentPatch{
		Title:      input.Title,
		Icon:       input.Icon,
		CoverImage: input.CoverImage,
	}
	if input.Content != nil {
		text := richtext.ExtractText(input.Content)
		patch.Content = input.Content
		patch.ContentText = &text
	}

	if err := s.store.UpdateDocument(ctx, documentID, patch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, errNotFound("document not found")
		}
		return store.Document{}, err
	}

	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}

	if s.history != nil && (input.Title != nil || input.Content != nil) {
		if _, err := s.history.CommitContent(documentID, history.Content{
			Title: updated.Title,
			Icon:  updated.Icon,
			Doc:   updated.Content,
		}, actor.UserName, "Edit document"); err != nil {
			log.Printf("app: commit history for %s: %v", documentID, err)
		}
	}
	s.indexDocument(updated)
	return updated, nil
}

// ArchiveDocument moves a subtree to the trash. Owner-only at the root; the
// walk then archives every same-owner descendant without re-checking each
// node. Any open room in the subtree is force-closed.
func (s *Service) ArchiveDocument(ctx context.Context, actor Session, documentID string) (CascadeResult, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return CascadeResult{}, err
	}
	if doc.OwnerID != actor.UserID {
		return CascadeResult{}, errUnauthorized("only the owner can archive a document")
	}
	return s.cascade(ctx, doc, true)
}

// RestoreDocument is the structural mirror of ArchiveDocument.
func (s *Service) RestoreDocument(ctx context.Context, actor Session, documentID string) (CascadeResult, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return CascadeResult{}, err
	}
	if doc.OwnerID != actor.UserID {
		return CascadeResult{}, errUnauthorized("only the owner can restore a document")
	}
	return s.cascade(ctx, doc, false)
}

// cascade is the archive/restore worklist walk. Per-node sequential updates,
// no multi-row transaction: a crash mid-walk leaves a partially processed
// subtree, and re-running completes it because the updates are idempotent.
// The visited set guards against a corrupt cyclic parent graph.
func (s *Service) cascade(ctx context.Context, root store.Document, archived bool) (CascadeResult, error) {
	verb := "restore"
	if archived {
		verb = "archive"
	}

	visited := make(map[string]bool)
	queue := []string{root.ID}
	affected := make([]string, 0, 4)
	lastProcessed := ""

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		if err := s.store.SetArchived(ctx, id, archived); err != nil {
			log.Printf("app: %s cascade failed at %s: %v", verb, id, err)
			return CascadeResult{Affected: affected},
				errPartialFailure(fmt.Sprintf("%s interrupted at %s; retry to resume", verb, id), lastProcessed)
		}
		lastProcessed = id
		affected = append(affected, id)

		if archived {
			if s.rooms != nil {
				s.rooms.ForceClose(id, "document archived")
			}
			if s.search != nil {
				s.search.DeleteDocument(id)
			}
		} else {
			s.indexDocumentByID(ctx, id)
		}

		children, err := s.store.ListChildIDs(ctx, id, root.OwnerID)
		if err != nil {
			log.Printf("app: %s cascade failed listing children of %s: %v", verb, id, err)
			return CascadeResult{Affected: affected},
				errPartialFailure(fmt.Sprintf("%s interrupted below %s; retry to resume", verb, id), lastProcessed)
		}
		for _, child := range children {
			if !visited[child] {
				queue = append(queue, child)
			}
		}
	}

	return CascadeResult{Affected: affected}, nil
}

// GetPath resolves the ancestry of a document, root first. A dangling parent
// reference (left behind by a hard delete) ends the walk quietly; a cycle or
// an over-deep chain is an error rather than an infinite loop.
func (s *Service) GetPath(ctx context.Context, actor Session, documentID string) ([]store.PathNode, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanRead(actor.UserID, doc.OwnerID, doc.Collaborators) {
		return nil, errUnauthorized("you do not have access to this document")
	}

	path := make([]store.PathNode, 0, 4)
	visited := make(map[string]bool)
	current := doc
	for depth := 0; ; depth++ {
		if depth >= s.cfg.MaxPathDepth || visited[current.ID] {
			return nil, errInvalidState("document ancestry does not terminate")
		}
		visited[current.ID] = true
		path = append([]store.PathNode{{ID: current.ID, Title: current.Title, ParentID: current.ParentID}}, path...)

		if current.ParentID == nil {
			break
		}
		parent, err := s.store.GetDocument(ctx, *current.ParentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			return nil, err
		}
		current = parent
	}
	return path, nil
}

// ListChildren lists the actor's own non-archived documents under a parent.
// Roots sort by title, children by recency for the sidebar.
func (s *Service) ListChildren(ctx context.Context, actor Session, parentID *string) ([]store.Document, error) {
	order := store.OrderByRecency
	if parentID == nil {
		order = store.OrderByTitle
	}
	docs, err := s.store.ListChildren(ctx, parentID, actor.UserID, order)
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// ListSharedWithMe lists non-archived roots where the actor is a collaborator.
func (s *Service) ListSharedWithMe(ctx context.Context, actor Session) ([]store.Document, error) {
	return s.store.ListSharedRoots(ctx, actor.UserID)
}

func (s *Service) ListTrash(ctx context.Context, actor Session) ([]store.Document, error) {
	return s.store.ListTrash(ctx, actor.UserID)
}

// DeleteDocument removes a single archived document permanently. It does not
// cascade: children keep their rows and dangle off the deleted parent,
// reachable by id but never through path resolution.
func (s *Service) DeleteDocument(ctx context.Context, actor Session, documentID string) error {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.OwnerID != actor.UserID {
		return errUnauthorized("only the owner can delete a document")
	}
	if !doc.IsArchived {
		return errInvalidState("document must be archived before deletion")
	}

	if s.rooms != nil {
		s.rooms.ForceClose(documentID, "document deleted")
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("document not found")
		}
		return err
	}

	if s.search != nil {
		s.search.DeleteDocument(documentID)
	}
	if s.history != nil {
		if err := s.history.DeleteDocumentRepo(documentID); err != nil {
			log.Printf("app: delete history for %s: %v", documentID, err)
		}
	}
	if s.assets != nil && doc.CoverImage != "" {
		if err := s.assets.DeleteCover(ctx, doc.CoverImage); err != nil {
			log.Printf("app: delete cover for %s: %v", documentID, err)
		}
	}
	return nil
}

// --- sharing ---

// AddCollaborator resolves an email through the identity directory and grants
// read/write on one document. Owner-only.
func (s *Service) AddCollaborator(ctx context.Context, actor Session, documentID, collaboratorEmail string) (store.User, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return store.User{}, err
	}
	if !access.CanManageSharing(actor.UserID, doc.OwnerID, doc.Collaborators) {
		return store.User{}, errUnauthorized("only the owner can manage sharing")
	}

	user, err := s.identity.ResolveEmail(ctx, collaboratorEmail)
	if err != nil {
		return store.User{}, errNotFound("no account exists for that email")
	}
	if user.ID == doc.OwnerID {
		return store.User{}, errConflict("the owner already has access")
	}
	for _, existing := range doc.Collaborators {
		if existing == user.ID {
			return store.User{}, errConflict("already a collaborator")
		}
	}

	// Set semantics at the storage layer: concurrent adds of the same user
	// collapse to a single membership.
	if err := s.store.AddCollaborator(ctx, documentID, user.ID); err != nil {
		return store.User{}, err
	}

	s.indexDocumentByID(ctx, documentID)
	if s.SMTPConfigured() {
		docURL := fmt.Sprintf("%s/documents/%s", s.cfg.CORSOrigin, documentID)
		go func() {
			if err := s.email.SendCollaborationInvite(user.Email, user.DisplayName, actor.UserName, doc.Title, docURL); err != nil {
				log.Printf("app: send invite to %s: %v", user.Email, err)
			}
		}()
	}
	return user, nil
}

// RemoveCollaborator revokes access. Removing a non-member is a no-op. Any
// live connections that user holds to the document's room are dropped.
func (s *Service) RemoveCollaborator(ctx context.Context, actor Session, documentID, collaboratorID string) error {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if !access.CanManageSharing(actor.UserID, doc.OwnerID, doc.Collaborators) {
		return errUnauthorized("only the owner can manage sharing")
	}

	member := false
	for _, existing := range doc.Collaborators {
		if existing == collaboratorID {
			member = true
			break
		}
	}
	if !member {
		return nil
	}

	if err := s.store.RemoveCollaborator(ctx, documentID, collaboratorID); err != nil {
		return err
	}
	if s.rooms != nil {
		s.rooms.DisconnectUser(documentID, collaboratorID, "access revoked")
	}
	s.indexDocumentByID(ctx, documentID)
	return nil
}

// ListCollaborators returns the public profiles of a document's collaborators.
func (s *Service) ListCollaborators(ctx context.Context, actor Session, documentID string) ([]store.User, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanRead(actor.UserID, doc.OwnerID, doc.Collaborators) {
		return nil, errUnauthorized("you do not have access to this document")
	}

	users := make([]store.User, 0, len(doc.Collaborators))
	for _, id := range doc.Collaborators {
		user, err := s.identity.Profile(ctx, id)
		if err != nil {
			log.Printf("app: resolve collaborator %s on %s: %v", id, documentID, err)
			continue
		}
		users = append(users, user)
	}
	return users, nil
}

// --- search ---

func (s *Service) Search(ctx context.Context, actor Session, query string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query}
	}
	return s.search.Search(search.Query{
		Text:    query,
		ActorID: actor.UserID,
		Limit:   limit,
		Offset:  offset,
	})
}

// --- history ---

func (s *Service) DocumentHistory(ctx context.Context, actor Session, documentID string, limit int) ([]store.CommitInfo, error) {
	if _, err := s.GetDocument(ctx, actor, documentID); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []store.CommitInfo{}, nil
	}
	return s.history.History(documentID, limit)
}

func (s *Service) DocumentContentAt(ctx context.Context, actor Session, documentID, hash string) (history.Content, error) {
	if _, err := s.GetDocument(ctx, actor, documentID); err != nil {
		return history.Content{}, err
	}
	if s.history == nil {
		return history.Content{}, errInvalidState("history is not configured")
	}
	content, err := s.history.GetContentByHash(documentID, hash)
	if err != nil {
		return history.Content{}, errNotFound("no snapshot at that revision")
	}
	return content, nil
}

// --- cover images ---

func (s *Service) UploadCover(ctx context.Context, actor Session, documentID, filename, contentType string, body io.Reader, size int64) (store.Document, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if !access.CanWrite(actor.UserID, doc.OwnerID, doc.Collaborators) {
		return store.Document{}, errUnauthorized("you cannot edit this document")
	}
	if s.assets == nil {
		return store.Document{}, errInvalidState("cover image storage is not configured")
	}

	url, err := s.assets.UploadCover(ctx, documentID, filename, contentType, body, size)
	if err != nil {
		return store.Document{}, err
	}
	if doc.CoverImage != "" {
		if err := s.assets.DeleteCover(ctx, doc.CoverImage); err != nil {
			log.Printf("app: delete previous cover for %s: %v", documentID, err)
		}
	}

	if err := s.store.UpdateDocument(ctx, documentID, store.DocumentPatch{CoverImage: &url}); err != nil {
		return store.Document{}, err
	}
	return s.store.GetDocument(ctx, documentID)
}

func (s *Service) RemoveCover(ctx context.Context, actor Session, documentID string) (store.Document, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if !access.CanWrite(actor.UserID, doc.OwnerID, doc.Collaborators) {
		return store.Document{}, errUnauthorized("you cannot edit this document")
	}
	if doc.CoverImage == "" {
		return doc, nil
	}

	if s.assets != nil {
		if err := s.assets.DeleteCover(ctx, doc.CoverImage); err != nil {
			log.Printf("app: delete cover for %s: %v", documentID, err)
		}
	}
	empty := ""
	if err := s.store.UpdateDocument(ctx, documentID, store.DocumentPatch{CoverImage: &empty}); err != nil {
		return store.Document{}, err
	}
	return s.store.GetDocument(ctx, documentID)
}

// --- collaboration ---

// JoinRoom authorizes the actor against a freshly loaded document and returns
// the document's room plus a peer handle for the connection. Archived
// documents cannot host rooms.
func (s *Service) JoinRoom(ctx context.Context, actor Session, documentID string) (*collab.Room, *collab.Peer, error) {
	doc, err := s.loadDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}
	if !access.CanRead(actor.UserID, doc.OwnerID, doc.Collaborators) {
		return nil, nil, errUnauthorized("you do not have access to this document")
	}
	if doc.IsArchived {
		return nil, nil, errInvalidState("document is archived")
	}
	if s.rooms == nil {
		return nil, nil, errInvalidState("collaboration is not configured")
	}

	room, err := s.rooms.GetOrCreate(documentID, func(id string) ([]byte, error) {
		current, err := s.store.GetDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		return current.Content, nil
	})
	if err != nil {
		return nil, nil, err
	}

	canWrite := access.CanWrite(actor.UserID, doc.OwnerID, doc.Collaborators)
	peer := collab.NewPeer(actor.UserID, actor.UserName, actor.Avatar, canWrite)
	return room, peer, nil
}

// PersistRoomContent is the room flush target: it writes merged content and
// refreshes the search index. Racing a direct update resolves last-writer-wins
// at the storage layer.
func (s *Service) PersistRoomContent(ctx context.Context, documentID string, content []byte) error {
	text := richtext.ExtractText(content)
	patch := store.DocumentPatch{Content: content, ContentText: &text}
	if err := s.store.UpdateDocument(ctx, documentID, patch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Document deleted out from under the room; nothing to persist.
			return nil
		}
		return err
	}
	s.indexDocumentByID(ctx, documentID)
	return nil
}

// --- helpers ---

func (s *Service) loadDocument(ctx context.Context, documentID string) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, errNotFound("document not found")
		}
		return store.Document{}, err
	}
	return doc, nil
}

func (s *Service) indexDocument(doc store.Document) {
	if s.search == nil {
		return
	}
	if doc.IsArchived {
		s.search.DeleteDocument(doc.ID)
		return
	}
	collaborators := doc.Collaborators
	if collaborators == nil {
		collaborators = []string{}
	}
	s.search.IndexDocument(search.DocumentRecord{
		ID:            doc.ID,
		Title:         doc.Title,
		Icon:          doc.Icon,
		Text:          richtext.ExtractText(doc.Content),
		OwnerID:       doc.OwnerID,
		Collaborators: collaborators,
		Archived:      doc.IsArchived,
	})
}

func (s *Service) indexDocumentByID(ctx context.Context, documentID string) {
	if s.search == nil {
		return
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return
	}
	s.indexDocument(doc)
}
