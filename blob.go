package reldoc

import (
	"context"
	"hash/crc32"

	"github.com/kartikbazzad/reldoc/internal/errors"
)

// BlobFile is a named payload staged into a blob column. Plain []byte
// values stage as anonymous binaries.
type BlobFile struct {
	Name string
	Data []byte
}

// BlobStore is the port to whatever stores binary content. The engine
// never reads blobs back; it stages payloads, dedupes by checksum and
// writes the resulting id into the referencing column.
type BlobStore interface {
	AppendBinary(ctx context.Context, data []byte, checksum uint32) (int64, error)
	FindBinaryByChecksum(ctx context.Context, checksum uint32) (int64, error)
	AppendFile(ctx context.Context, name string, data []byte, checksum uint32) (int64, error)
	FindFileByChecksum(ctx context.Context, name string, checksum uint32) (int64, error)
}

// stageBlobs replaces raw payloads in blob columns with blob-store ids.
// Runs before the backend transaction opens; blob ids are stable and an
// orphaned blob from a later rollback is harmless.
func stageBlobs(ctx context.Context, store BlobStore, cs *ChangeSet) error {
	stage := func(docType string, docID int64, fields map[string]any, name string) error {
		v, ok := fields[name]
		if !ok {
			return nil
		}
		var id int64
		var err error
		switch x := v.(type) {
		case []byte:
			id, err = stageBinary(ctx, store, x)
		case BlobFile:
			id, err = stageFile(ctx, store, x)
		default:
			return nil // already an id
		}
		if err != nil {
			return &errors.Error{Kind: errors.KindBackend, DocType: docType, DocID: docID,
				Msg: "stage blob for column " + name, Err: err}
		}
		fields[name] = id
		return nil
	}

	return cs.eachDoc(func(d *Document) error {
		if !d.state.mutated() || d.state == StateDelete {
			return nil
		}
		if store == nil {
			if err := requireNoBlobs(d); err != nil {
				return err
			}
			return nil
		}
		for _, name := range d.docType.BlobColumns {
			if err := stage(d.docType.Name, d.id, d.fields, name); err != nil {
				return err
			}
		}
		return d.eachSub(func(s *SubDocument) error {
			if s.state == StateDelete {
				return nil
			}
			for _, name := range s.subType.BlobColumns {
				if err := stage(d.docType.Name, d.id, s.fields, name); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func stageBinary(ctx context.Context, store BlobStore, data []byte) (int64, error) {
	sum := crc32.ChecksumIEEE(data)
	id, err := store.FindBinaryByChecksum(ctx, sum)
	if err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}
	return store.AppendBinary(ctx, data, sum)
}

func stageFile(ctx context.Context, store BlobStore, f BlobFile) (int64, error) {
	sum := crc32.ChecksumIEEE(f.Data)
	id, err := store.FindFileByChecksum(ctx, f.Name, sum)
	if err != nil {
		return 0, err
	}
	if id != 0 {
		return id, nil
	}
	return store.AppendFile(ctx, f.Name, f.Data, sum)
}

// requireNoBlobs rejects staged payloads when no blob store is wired.
func requireNoBlobs(d *Document) error {
	check := func(fields map[string]any, cols []string) error {
		for _, name := range cols {
			switch fields[name].(type) {
			case []byte, BlobFile:
				return errors.Validationf("%s: column %q carries blob content but no blob store is configured", d.Ref(), name)
			}
		}
		return nil
	}
	if err := check(d.fields, d.docType.BlobColumns); err != nil {
		return err
	}
	return d.eachSub(func(s *SubDocument) error {
		return check(s.fields, s.subType.BlobColumns)
	})
}
