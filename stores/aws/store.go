package aws

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"whiteboard-server/core"
	"whiteboard-server/stores/keylock"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// s3API is the subset of the S3 client the store relies on.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type s3Store struct {
	client s3API
	bucket string
	locks  *keylock.Locker
	now    func() time.Time
}

// NewStore creates a new S3-based store using the default AWS credential
// chain.
func NewStore(ctx context.Context, bucketName string) (*s3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config: %w", err)
	}
	return newStore(s3.NewFromConfig(cfg), bucketName), nil
}

func newStore(client s3API, bucketName string) *s3Store {
	return &s3Store{
		client: client,
		bucket: bucketName,
		locks:  keylock.New(),
		now:    time.Now,
	}
}

func ownerPrefix(ownerID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(ownerID)) + "/"
}

func documentKey(id, ownerID string) (string, error) {
	// Ids are simple names, never paths.
	if id == "" || id == "." || id == ".." || path.Base(id) != id || strings.Contains(id, "/") {
		return "", core.NotFound(id)
	}
	return ownerPrefix(ownerID) + id + ".json", nil
}

func (s *s3Store) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func (s *s3Store) Create(ctx context.Context, ownerID string, in core.DocumentInput) (*core.Document, error) {
	now := s.timestamp()
	doc := &core.Document{
		ID:        ulid.Make().String(),
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	in.Apply(doc)

	log := logrus.WithFields(logrus.Fields{"document_id": doc.ID, "owner_id": ownerID, "bucket": s.bucket})
	key, err := documentKey(doc.ID, ownerID)
	if err != nil {
		return nil, err
	}
	if err := s.put(ctx, key, doc); err != nil {
		log.WithError(err).Error("Failed to upload document")
		return nil, err
	}

	log.Info("Document created successfully")
	return doc, nil
}

func (s *s3Store) List(ctx context.Context, ownerID string) ([]core.DocumentSummary, error) {
	log := logrus.WithFields(logrus.Fields{"owner_id": ownerID, "bucket": s.bucket})

	summaries := []core.DocumentSummary{}
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(ownerPrefix(ownerID)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			log.WithError(err).Error("Failed to list documents")
			return nil, fmt.Errorf("list documents for owner %s: %w", ownerID, err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			doc, err := s.get(ctx, key)
			if err != nil {
				log.WithError(err).Warnf("Failed to read object %s, skipping", key)
				continue
			}
			summaries = append(summaries, doc.Summary())
		}
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].UpdatedAt.Equal(summaries[j].UpdatedAt) {
			return summaries[i].ID > summaries[j].ID
		}
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})

	log.Debugf("Listed %d documents", len(summaries))
	return summaries, nil
}

func (s *s3Store) Get(ctx context.Context, id, ownerID string) (*core.Document, error) {
	key, err := documentKey(id, ownerID)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, key, id, ownerID)
}

func (s *s3Store) Update(ctx context.Context, id, ownerID string, in core.DocumentInput) (*core.Document, error) {
	key, err := documentKey(id, ownerID)
	if err != nil {
		return nil, err
	}

	// S3 has no conditional writes to lean on, so updates to one document
	// are serialized within this process.
	unlock := s.locks.Lock(id)
	defer unlock()

	doc, err := s.load(ctx, key, id, ownerID)
	if err != nil {
		return nil, err
	}
	in.Apply(doc)
	doc.UpdatedAt = s.timestamp()

	log := logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID, "bucket": s.bucket})
	if err := s.put(ctx, key, doc); err != nil {
		log.WithError(err).Error("Failed to save document")
		return nil, err
	}

	log.Info("Document updated successfully")
	return doc, nil
}

func (s *s3Store) Delete(ctx context.Context, id, ownerID string) error {
	key, err := documentKey(id, ownerID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	log := logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID, "bucket": s.bucket})

	// DeleteObject succeeds for missing keys, so check first.
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			log.Warn("Document with specified ID not found")
			return core.NotFound(id)
		}
		log.WithError(err).Error("Failed to check document")
		return fmt.Errorf("head document %s: %w", id, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		log.WithError(err).Error("Failed to delete document")
		return fmt.Errorf("delete document %s: %w", id, err)
	}

	log.Info("Document deleted successfully")
	return nil
}

func (s *s3Store) load(ctx context.Context, key, id, ownerID string) (*core.Document, error) {
	log := logrus.WithFields(logrus.Fields{"document_id": id, "owner_id": ownerID, "bucket": s.bucket})

	doc, err := s.get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			log.Warn("Document with specified ID not found")
			return nil, core.NotFound(id)
		}
		log.WithError(err).Error("Failed to get document")
		return nil, err
	}
	if doc.ID != id || doc.OwnerID != ownerID {
		log.Warn("Document object does not match its key")
		return nil, core.NotFound(id)
	}
	return doc, nil
}

func (s *s3Store) get(ctx context.Context, key string) (*core.Document, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}

	var doc core.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode object %s: %w", key, err)
	}
	return &doc, nil
}

func (s *s3Store) put(ctx context.Context, key string, doc *core.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &nf)
}
