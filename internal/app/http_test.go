package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"arbor/api/internal/store"
)

type httpFixture struct {
	server  *httptest.Server
	service *Service
	docs    map[string]store.Document
	mu      sync.Mutex
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	f := &httpFixture{docs: make(map[string]store.Document)}

	st := storeWithDocs(f.docs)
	st.insertDocumentFn = func(_ context.Context, doc store.Document) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.docs[doc.ID] = doc
		return nil
	}
	st.updateDocumentFn = func(_ context.Context, id string, patch store.DocumentPatch) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		doc, ok := f.docs[id]
		if !ok {
			return nil
		}
		if patch.Title != nil {
			doc.Title = *patch.Title
		}
		if patch.Content != nil {
			doc.Content = patch.Content
		}
		f.docs[id] = doc
		return nil
	}

	st.deleteDocumentFn = func(_ context.Context, id string) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.docs, id)
		return nil
	}

	f.service = New(testConfig(), Deps{Store: st, Sessions: newFakeSessions()})
	f.server = httptest.NewServer(NewHTTPServer(f.service, "http://localhost:3000").Handler())
	t.Cleanup(f.server.Close)
	return f
}

func (f *httpFixture) token(t *testing.T, userID, userName string) string {
	t.Helper()
	session, err := f.service.IssueSession(context.Background(), store.User{ID: userID, DisplayName: userName})
	if err != nil {
		t.Fatalf("IssueSession() error = %v", err)
	}
	return session.Token
}

func (f *httpFixture) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthEndpoint(t *testing.T) {
	f := newHTTPFixture(t)

	resp, body := f.request(t, http.MethodGet, "/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["ok"] != true {
		t.Fatalf("body = %v, want ok true", body)
	}
}

func TestDocumentRoutesRequireAuthentication(t *testing.T) {
	f := newHTTPFixture(t)

	resp, body := f.request(t, http.MethodGet, "/api/documents", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if body["code"] != "UNAUTHENTICATED" {
		t.Fatalf("code = %v, want UNAUTHENTICATED", body["code"])
	}
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	f := newHTTPFixture(t)
	token := f.token(t, "usr_alice", "Alice")

	resp, created := f.request(t, http.MethodPost, "/api/documents", token, map[string]any{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	if created["title"] != "Untitled" {
		t.Fatalf("title = %v, want Untitled", created["title"])
	}
	documentID, _ := created["id"].(string)
	if documentID == "" {
		t.Fatal("expected a document id")
	}

	resp, _ = f.request(t, http.MethodPatch, "/api/documents/"+documentID, token, map[string]any{"title": "Quarterly plan"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d, want 200", resp.StatusCode)
	}

	resp, fetched := f.request(t, http.MethodGet, "/api/documents/"+documentID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	if fetched["title"] != "Quarterly plan" {
		t.Fatalf("title = %v, want Quarterly plan", fetched["title"])
	}

	resp, archived := f.request(t, http.MethodPost, "/api/documents/"+documentID+"/archive", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive status = %d, want 200", resp.StatusCode)
	}
	affected, _ := archived["affected"].([]any)
	if len(affected) != 1 || affected[0] != documentID {
		t.Fatalf("affected = %v, want [%s]", archived["affected"], documentID)
	}

	resp, _ = f.request(t, http.MethodDelete, "/api/documents/"+documentID, token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}

	resp, body := f.request(t, http.MethodGet, "/api/documents/"+documentID, token, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("code = %v, want NOT_FOUND", body["code"])
	}
}

func TestStrangerGetsAccessErrorPayload(t *testing.T) {
	f := newHTTPFixture(t)
	f.docs["doc_secret"] = store.Document{ID: "doc_secret", Title: "Secret", OwnerID: "usr_alice"}
	token := f.token(t, "usr_eve", "Eve")

	resp, body := f.request(t, http.MethodGet, "/api/documents/doc_secret", token, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if body["code"] != "UNAUTHORIZED" {
		t.Fatalf("code = %v, want UNAUTHORIZED", body["code"])
	}
}

func TestDeleteRequiresArchivedOverHTTP(t *testing.T) {
	f := newHTTPFixture(t)
	f.docs["doc_live"] = store.Document{ID: "doc_live", Title: "Live", OwnerID: "usr_alice"}
	token := f.token(t, "usr_alice", "Alice")

	resp, body := f.request(t, http.MethodDelete, "/api/documents/doc_live", token, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	if body["code"] != "INVALID_STATE" {
		t.Fatalf("code = %v, want INVALID_STATE", body["code"])
	}
}
