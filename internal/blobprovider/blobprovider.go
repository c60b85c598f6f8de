// Package blobprovider is the external collaborator boundary for firmware
// and DRAM-init blobs: the core never interprets their contents, only
// transmits them (spec §1 "DDR parameter derivation is out of scope",
// Component H).
//
// Grounded on original_source/src/firmware/firmware_registry.h's
// per-variant firmware_<variant>_get_spl/get_uboot accessor shape, kept as
// a Go interface instead of generated per-variant functions.
package blobprovider

import (
	"os"

	"xburst-cloner/internal/xburst"
	"xburst-cloner/internal/xerrors"
)

// Provider serves the opaque byte blobs the Bootstrap Orchestrator needs.
// Every blob is read-only and may be aliased across concurrent independent
// handles (spec §5). The flash descriptor and partition marker are NOT part
// of this boundary: the core builds those itself (spec.md Component G,
// "the core builds the flash descriptor and partition marker records
// in-process; it never reads them from an external source") — see
// internal/flash/descriptor.go's Build* functions.
type Provider interface {
	DramInit(v xburst.Variant) ([]byte, error)
	Stage1(v xburst.Variant) ([]byte, error)
	Stage2(v xburst.Variant) ([]byte, error)
}

// FileProvider reads blobs from explicit disk paths, backing the CLI's
// --config/--spl/--uboot overrides (spec §6).
type FileProvider struct {
	DramInitPath string
	Stage1Path   string
	Stage2Path   string
}

func (f *FileProvider) DramInit(xburst.Variant) ([]byte, error) {
	return readFile("blobprovider.DramInit", f.DramInitPath)
}

func (f *FileProvider) Stage1(xburst.Variant) ([]byte, error) {
	return readFile("blobprovider.Stage1", f.Stage1Path)
}

func (f *FileProvider) Stage2(xburst.Variant) ([]byte, error) {
	return readFile("blobprovider.Stage2", f.Stage2Path)
}

func readFile(op, path string) ([]byte, error) {
	if path == "" {
		return nil, xerrors.New(op, xerrors.BadParameter, nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.New(op, xerrors.FileIo, err)
	}
	return data, nil
}

// NullProvider returns empty blobs for every request, for exercising the
// protocol/orchestrator machinery without real firmware.
type NullProvider struct{}

func (NullProvider) DramInit(xburst.Variant) ([]byte, error) { return []byte{}, nil }
func (NullProvider) Stage1(xburst.Variant) ([]byte, error)   { return []byte{}, nil }
func (NullProvider) Stage2(xburst.Variant) ([]byte, error)   { return []byte{}, nil }

// EmbeddedProvider is the stub for the embedded firmware/DDR-descriptor
// database spec.md treats as an external collaborator and leaves out of
// scope (spec §1, §9 "reference DDR binary" open question). It always
// fails rather than fabricating blob data — see DESIGN.md's Open Question
// decision.
type EmbeddedProvider struct{}

func (EmbeddedProvider) DramInit(xburst.Variant) ([]byte, error) {
	return nil, xerrors.New("blobprovider.EmbeddedProvider.DramInit", xerrors.FileIo, nil)
}
func (EmbeddedProvider) Stage1(xburst.Variant) ([]byte, error) {
	return nil, xerrors.New("blobprovider.EmbeddedProvider.Stage1", xerrors.FileIo, nil)
}
func (EmbeddedProvider) Stage2(xburst.Variant) ([]byte, error) {
	return nil, xerrors.New("blobprovider.EmbeddedProvider.Stage2", xerrors.FileIo, nil)
}
