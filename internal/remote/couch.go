package remote

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-kivik/kivik/v4"

	"github.com/ledgerkeep/ledgerkeep/internal/logging"
	"github.com/ledgerkeep/ledgerkeep/internal/models"
)

// CouchStore implements Store on CouchDB. One document per
// (owner, collection); Subscribe rides the changes feed.
type CouchStore struct {
	client *kivik.Client
	dbName string
	log    logging.Logger
}

type collectionDoc struct {
	ID         string          `json:"_id,omitempty"`
	Rev        string          `json:"_rev,omitempty"`
	OwnerID    string          `json:"owner_id"`
	Collection string          `json:"collection"`
	Items      []models.Record `json:"items"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func NewCouchStore(client *kivik.Client, dbName string, log logging.Logger) *CouchStore {
	return &CouchStore{
		client: client,
		dbName: dbName,
		log:    log.With("component", "remote"),
	}
}

func (s *CouchStore) docID(ownerID, collection string) string {
	return fmt.Sprintf("ledger:%s:%s", ownerID, collection)
}

// ReplaceItems fetches the existing document so the write replaces only the
// items field (plus bookkeeping), not fields other writers may have added.
func (s *CouchStore) ReplaceItems(ctx context.Context, ownerID, collection string, items []models.Record) error {
	db := s.client.DB(s.dbName)
	docID := s.docID(ownerID, collection)

	doc := map[string]any{"_id": docID}
	row := db.Get(ctx, docID)
	if err := row.ScanDoc(&doc); err != nil && kivik.HTTPStatus(err) != http.StatusNotFound {
		return fmt.Errorf("failed to fetch collection document: %w", err)
	}

	if items == nil {
		items = []models.Record{}
	}
	doc["owner_id"] = ownerID
	doc["collection"] = collection
	doc["items"] = items
	doc["updated_at"] = time.Now().UTC()

	if _, err := db.Put(ctx, docID, doc); err != nil {
		return fmt.Errorf("failed to replace items for %s/%s: %w", ownerID, collection, err)
	}
	return nil
}

func (s *CouchStore) FetchItems(ctx context.Context, ownerID, collection string) ([]models.Record, error) {
	db := s.client.DB(s.dbName)

	var doc collectionDoc
	row := db.Get(ctx, s.docID(ownerID, collection))
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch items for %s/%s: %w", ownerID, collection, err)
	}
	return doc.Items, nil
}

// Subscribe opens a continuous changes feed filtered to the collection's
// document. Feed errors end the watch; the caller's watcher loop decides
// whether to reopen.
func (s *CouchStore) Subscribe(ctx context.Context, ownerID, collection string, onChange ChangeHandler) (func(), error) {
	wctx, cancel := context.WithCancel(ctx)
	docID := s.docID(ownerID, collection)

	db := s.client.DB(s.dbName)
	changes := db.Changes(wctx, kivik.Params(map[string]any{
		"feed":         "continuous",
		"since":        "now",
		"include_docs": true,
		"heartbeat":    30000,
	}))

	go func() {
		defer changes.Close()
		for changes.Next() {
			if changes.ID() != docID {
				continue
			}
			var doc collectionDoc
			if err := changes.ScanDoc(&doc); err != nil {
				s.log.Warn(wctx, "failed to decode change document", "doc_id", docID, "error", err)
				continue
			}
			onChange(collection, doc.Items)
		}
		if err := changes.Err(); err != nil && wctx.Err() == nil {
			s.log.Warn(wctx, "changes feed closed", "doc_id", docID, "error", err)
		}
	}()

	return cancel, nil
}

func (s *CouchStore) Ping(ctx context.Context) error {
	exists, err := s.client.DBExists(ctx, s.dbName)
	if err != nil {
		return fmt.Errorf("remote store unreachable: %w", err)
	}
	if !exists {
		return fmt.Errorf("remote database %q does not exist", s.dbName)
	}
	return nil
}
