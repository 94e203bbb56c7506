package labsvc

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/OChRA-lab/ochra-sub000/payload"
	"github.com/OChRA-lab/ochra-sub000/protocol"
	"github.com/OChRA-lab/ochra-sub000/store"
)

// resultDir returns the folder holding payloads produced by the entity that
// ran the operation owning resultID.
func (s *Service) resultDir(ctx context.Context, resultID string) (string, error) {
	if s.dataDir == "" {
		return "", protocol.Errorf(protocol.KindNotFound, "result payload storage is not configured")
	}
	owner := resultID
	ops, err := s.db.Find(ctx, protocol.CollectionOperations, store.Filter{"result": store.Raw(resultID)})
	if err != nil {
		return "", err
	}
	if len(ops) > 0 {
		var op protocol.Operation
		if err := ops[0].Decode(&op); err == nil {
			if entity, err := s.db.Get(ctx, op.EntityType.Collection(), op.EntityID); err == nil && entity.Name() != "" {
				owner = entity.Name()
			}
		}
	}
	name, err := payload.SafeName(owner)
	if err != nil {
		return "", protocol.Wrap(protocol.KindStore, err, "payload folder")
	}
	return filepath.Join(s.dataDir, name), nil
}

func (s *Service) loadResult(ctx context.Context, resultID string) (*protocol.OperationResult, error) {
	doc, err := s.db.Get(ctx, protocol.CollectionOperationResults, resultID)
	if err != nil {
		return nil, err
	}
	var res protocol.OperationResult
	if err := doc.Decode(&res); err != nil {
		return nil, protocol.Wrap(protocol.KindStore, err, "decode operation result")
	}
	return &res, nil
}

// PutData stores the uploaded payload of an operation result. Folder
// payloads arrive zipped and are unpacked next to the archive.
func (s *Service) PutData(ctx context.Context, resultID string, r io.Reader) error {
	res, err := s.loadResult(ctx, resultID)
	if err != nil {
		return err
	}
	if !res.HasPayload() {
		return protocol.Errorf(protocol.KindConstruction, "operation result %s has no file payload", resultID)
	}
	fileName, err := payload.SafeName(res.DataFileName)
	if err != nil {
		return protocol.Wrap(protocol.KindConstruction, err, "data_file_name")
	}
	dir, err := s.resultDir(ctx, resultID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return protocol.Wrap(protocol.KindStore, err, "create payload folder")
	}

	path := filepath.Join(dir, fileName)
	out, err := os.Create(path)
	if err != nil {
		return protocol.Wrap(protocol.KindStore, err, "create payload file")
	}
	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return protocol.Wrap(protocol.KindStore, err, "write payload file")
	}

	if res.DataType == protocol.DataTypeFolder {
		if err := payload.Unzip(path, strings.TrimSuffix(path, ".zip")); err != nil {
			return protocol.Wrap(protocol.KindConstruction, err, "unpack folder payload")
		}
	}
	log.Printf("labsvc: stored %d byte payload for result %s at %s", n, resultID, path)
	return nil
}

// GetData returns the path of a stored payload. Folder payloads are zipped
// into a temporary file; cleanup removes it and must always be called.
func (s *Service) GetData(ctx context.Context, resultID string) (path string, cleanup func(), err error) {
	cleanup = func() {}
	res, err := s.loadResult(ctx, resultID)
	if err != nil {
		return "", cleanup, err
	}
	if !res.HasPayload() {
		return "", cleanup, protocol.Errorf(protocol.KindNotFound, "operation result %s has no file payload", resultID)
	}
	if res.DataStatus != protocol.DataAvailable {
		return "", cleanup, protocol.Errorf(protocol.KindNotFound, "payload of result %s is %s", resultID, res.DataStatus)
	}
	fileName, err := payload.SafeName(res.DataFileName)
	if err != nil {
		return "", cleanup, protocol.Wrap(protocol.KindStore, err, "data_file_name")
	}
	dir, err := s.resultDir(ctx, resultID)
	if err != nil {
		return "", cleanup, err
	}
	path = filepath.Join(dir, fileName)

	if res.DataType == protocol.DataTypeFolder {
		unpacked := strings.TrimSuffix(path, ".zip")
		if info, err := os.Stat(unpacked); err == nil && info.IsDir() {
			tmp, err := os.CreateTemp("", "ochra-result-*.zip")
			if err != nil {
				return "", cleanup, protocol.Wrap(protocol.KindStore, err, "temp archive")
			}
			tmp.Close()
			if err := payload.ZipDir(unpacked, tmp.Name()); err != nil {
				os.Remove(tmp.Name())
				return "", cleanup, protocol.Wrap(protocol.KindStore, err, "archive folder payload")
			}
			return tmp.Name(), func() { os.Remove(tmp.Name()) }, nil
		}
	}
	if _, err := os.Stat(path); err != nil {
		return "", cleanup, protocol.Errorf(protocol.KindNotFound, "payload file for result %s: %v", resultID, err)
	}
	return path, cleanup, nil
}

// DataFileName returns the name a download should be saved under.
func (s *Service) DataFileName(ctx context.Context, resultID string) (string, error) {
	res, err := s.loadResult(ctx, resultID)
	if err != nil {
		return "", err
	}
	if res.DataFileName == "" {
		return "", fmt.Errorf("result %s has no data file name", resultID)
	}
	return res.DataFileName, nil
}
