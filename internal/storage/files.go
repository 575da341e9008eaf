package storage

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// FileMetadata describes an uploaded media object. Hash addresses the blob in the file store.
type FileMetadata struct {
	ID        string `msgpack:"id"`
	Hash      string `msgpack:"hash"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	Path      string `msgpack:"path"`
	Name      string `msgpack:"name"`
}

func (f *FileMetadata) Key() []byte {
	return []byte(f.ID)
}

func (f *FileMetadata) MarshalBinary() (data []byte, err error) {
	type alias FileMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *FileMetadata) UnmarshalBinary(data []byte) error {
	type alias FileMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

func (s *BboltStorage) UpsertFileMetadata(meta FileMetadata) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := put(tx.Bucket(bucketFiles), &meta); err != nil {
			return fmt.Errorf("failed to store file metadata: %w", err)
		}
		return nil
	})
}

func (s *BboltStorage) GetFileMetadata(id string) (FileMetadata, error) {
	var meta FileMetadata
	err := s.db.View(func(tx *bbolt.Tx) error {
		return get(tx.Bucket(bucketFiles), []byte(id), &meta)
	})
	if err != nil {
		return FileMetadata{}, fmt.Errorf("file %s: %w", id, err)
	}
	return meta, nil
}


// DeleteFileMetadata removes the record for id and reports whether another
// record still points at the same blob.
func (s *BboltStorage) DeleteFileMetadata(id string) (FileMetadata, bool, error) {
	var (
		meta   FileMetadata
		shared bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		if err := get(b, []byte(id), &meta); err != nil {
			return err
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var other FileMetadata
			if err := other.UnmarshalBinary(v); err != nil {
				return err
			}
			if other.Hash == meta.Hash {
				shared = true
			}
			return nil
		})
	})
	if err != nil {
		return FileMetadata{}, false, fmt.Errorf("delete file %s: %w", id, err)
	}
	return meta, shared, nil
}
