package request

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	"github.com/Zakaria95Ahmed/idm-clone/internal/logger"
)

const (
	cookiesBucket     = "cookies"
	credentialsBucket = "credentials"

	credentialsKey = "all"
)

// Store persists the cookie jar and credential list in a bolt database
// under the data directory.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the request store at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open request store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(cookiesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(credentialsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create store buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// SaveJar writes the jar's domains into the cookies bucket.
func (s *Store) SaveJar(jar *CookieJar) error {
	cookies := jar.snapshot()

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(cookiesBucket))

		if err := bucket.ForEach(func(k, _ []byte) error {
			if _, ok := cookies[string(k)]; !ok {
				return bucket.Delete(k)
			}
			return nil
		}); err != nil {
			return err
		}

		for domain, value := range cookies {
			if err := bucket.Put([]byte(domain), []byte(value)); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadJar replaces the jar contents from the store.
func (s *Store) LoadJar(jar *CookieJar) error {
	cookies := make(map[string]string)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(cookiesBucket)).ForEach(func(k, v []byte) error {
			cookies[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return err
	}

	jar.replace(cookies)
	logger.Debugf("Loaded cookies for %d domains", len(cookies))
	return nil
}

// SaveCredentials writes the credential list as one JSON value.
func (s *Store) SaveCredentials(store *CredentialStore) error {
	data, err := json.Marshal(store.All())
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(credentialsBucket)).Put([]byte(credentialsKey), data)
	})
}

// LoadCredentials replaces the credential list from the store.
func (s *Store) LoadCredentials(store *CredentialStore) error {
	var creds []Credential

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(credentialsBucket)).Get([]byte(credentialsKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &creds)
	})
	if err != nil {
		return err
	}

	store.replace(creds)
	logger.Debugf("Loaded %d site credentials", len(creds))
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
