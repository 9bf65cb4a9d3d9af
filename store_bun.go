package session

import (
	"context"
	"database/sql"
	"time"

	"github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// StateEntry is a single persisted key/value pair of client session state.
type StateEntry struct {
	bun.BaseModel `bun:"table:session_state,alias:ss"`

	ID        uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Key       string     `bun:"key,notnull,unique" json:"key,omitempty"`
	Value     string     `bun:"value" json:"value,omitempty"`
	UpdatedAt *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// NewStateEntriesRepository builds the bun repository backing BunStore.
func NewStateEntriesRepository(db *bun.DB) repository.Repository[*StateEntry] {
	handlers := repository.ModelHandlers[*StateEntry]{
		NewRecord: func() *StateEntry {
			return &StateEntry{}
		},
		GetID: func(record *StateEntry) uuid.UUID {
			if record == nil {
				return uuid.Nil
			}
			return record.ID
		},
		SetID: func(record *StateEntry, id uuid.UUID) {
			record.ID = id
		},
		GetIdentifier: func() string {
			return "key"
		},
	}
	return repository.NewRepository(db, handlers)
}

// BunStore persists session state in a sqlite (or any bun-supported) table so
// sessions survive process restarts. Remembered secrets are sealed before
// they touch the database when a seal key is configured.
type BunStore struct {
	entries repository.Repository[*StateEntry]
	sealer  *credentialSealer
	logger  Logger
}

var _ Store = (*BunStore)(nil)

type BunStoreOption func(*BunStore) error

// WithSealKey enables at-rest sealing of the remembered secret. The key must
// be 32 bytes.
func WithSealKey(key []byte) BunStoreOption {
	return func(s *BunStore) error {
		sealer, err := newCredentialSealer(key)
		if err != nil {
			return err
		}
		s.sealer = sealer
		return nil
	}
}

// WithBunStoreLogger overrides the default logger.
func WithBunStoreLogger(logger Logger) BunStoreOption {
	return func(s *BunStore) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

func NewBunStore(db *bun.DB, opts ...BunStoreOption) (*BunStore, error) {
	s := &BunStore{
		entries: NewStateEntriesRepository(db),
		logger:  defLogger{},
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *BunStore) Session(ctx context.Context) (string, time.Time, error) {
	token, err := s.get(ctx, keyToken)
	if err != nil {
		return "", time.Time{}, err
	}

	raw, err := s.get(ctx, keySessionExpiry)
	if err != nil {
		return "", time.Time{}, err
	}

	expiry, err := parseExpiry(raw)
	if err != nil {
		return "", time.Time{}, err
	}

	return token, expiry, nil
}

func (s *BunStore) SetSession(ctx context.Context, token string, expiry time.Time) error {
	if err := s.set(ctx, keyToken, token); err != nil {
		return err
	}
	return s.set(ctx, keySessionExpiry, formatExpiry(expiry))
}

func (s *BunStore) ClearSession(ctx context.Context) error {
	if err := s.set(ctx, keyToken, ""); err != nil {
		return err
	}
	return s.set(ctx, keySessionExpiry, "")
}

func (s *BunStore) RememberedCredentials(ctx context.Context) (*RememberedCredentials, error) {
	optIn, err := s.get(ctx, keyRememberMe)
	if err != nil {
		return nil, err
	}
	if optIn != "true" {
		return nil, nil
	}

	email, err := s.get(ctx, keyRememberedEmail)
	if err != nil {
		return nil, err
	}

	secret, err := s.get(ctx, keyRememberedPassword)
	if err != nil {
		return nil, err
	}

	if s.sealer != nil && secret != "" {
		secret, err = s.sealer.Open(secret)
		if err != nil {
			// A credential we can no longer open is useless; drop it rather
			// than surfacing a broken autofill.
			s.logger.Warn("discarding unreadable remembered credential: %v", err)
			if clearErr := s.ClearRememberedCredentials(ctx); clearErr != nil {
				return nil, clearErr
			}
			return nil, nil
		}
	}

	return &RememberedCredentials{Email: email, Secret: secret}, nil
}

func (s *BunStore) SetRememberedCredentials(ctx context.Context, creds *RememberedCredentials) error {
	if creds == nil {
		return s.ClearRememberedCredentials(ctx)
	}

	secret := creds.Secret
	if s.sealer != nil && secret != "" {
		sealed, err := s.sealer.Seal(secret)
		if err != nil {
			return err
		}
		secret = sealed
	}

	if err := s.set(ctx, keyRememberedEmail, creds.Email); err != nil {
		return err
	}
	if err := s.set(ctx, keyRememberedPassword, secret); err != nil {
		return err
	}
	return s.set(ctx, keyRememberMe, "true")
}

func (s *BunStore) ClearRememberedCredentials(ctx context.Context) error {
	for _, key := range []string{keyRememberedEmail, keyRememberedPassword, keyRememberMe} {
		if err := s.set(ctx, key, ""); err != nil {
			return err
		}
	}
	return nil
}

func (s *BunStore) get(ctx context.Context, key string) (string, error) {
	record, err := s.entries.GetByIdentifier(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return "", nil
		}
		return "", errors.Wrap(err, errors.CategoryInternal, "session state read failed").
			WithMetadata(map[string]any{"key": key})
	}
	return record.Value, nil
}

// set writes a value, representing empty values as row absence. Repository
// updates omit zero-value columns, so an empty string can never travel
// through an update; clears delete the row instead.
func (s *BunStore) set(ctx context.Context, key, value string) error {
	now := time.Now()

	existing, err := s.entries.GetByIdentifier(ctx, key)
	if err == nil {
		if value == "" {
			if err := s.entries.Delete(ctx, existing); err != nil {
				return errors.Wrap(err, errors.CategoryInternal, "session state clear failed").
					WithMetadata(map[string]any{"key": key})
			}
			return nil
		}

		existing.Value = value
		existing.UpdatedAt = &now
		if _, err := s.entries.Update(ctx, existing); err != nil {
			return errors.Wrap(err, errors.CategoryInternal, "session state write failed").
				WithMetadata(map[string]any{"key": key})
		}
		return nil
	}

	if !isNotFound(err) {
		return errors.Wrap(err, errors.CategoryInternal, "session state read failed").
			WithMetadata(map[string]any{"key": key})
	}

	if value == "" {
		return nil
	}

	record := &StateEntry{
		ID:        uuid.New(),
		Key:       key,
		Value:     value,
		UpdatedAt: &now,
	}
	if _, err := s.entries.Create(ctx, record); err != nil {
		return errors.Wrap(err, errors.CategoryInternal, "session state write failed").
			WithMetadata(map[string]any{"key": key})
	}
	return nil
}

func isNotFound(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	if repository.IsRecordNotFound(err) {
		return true
	}
	var rich *errors.Error
	if errors.As(err, &rich) {
		return rich.Category == errors.CategoryNotFound
	}
	return false
}
