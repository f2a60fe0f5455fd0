package czmil

import (
	"os"
	"path/filepath"
)

// This file implements the CWF→CWI→CIF→CPF multi-file lifecycle
// spec.md §4.6 describes: a CIF is born as a CWF creation side-effect
// under a ".cwi.tmp" name, finalised to ".cwi" when the CWF closes,
// migrated to ".cif.tmp" when CPF creation begins, and finalised to
// ".cif" (with the stale ".cwi" removed) when the CPF closes. Ownership
// of the shared CIF descriptor is explicit: it is returned alongside the
// CWF/CPF descriptors, CloseCWFCreate/CloseCPFCreate/AbortCPFCreate
// close the one they are handed, and OpenPairedRead's caller closes the
// one it receives. Closing a CWF or CPF descriptor never closes the CIF
// attached to it.

// DefaultHeaderSize is the reserved on-disk header size for CWF/CPF/CSF
// files absent an explicit override (spec.md §4.1).
const DefaultHeaderSize = 65536

// DefaultCAFHeaderSize is CAF's smaller reserved header size.
const DefaultCAFHeaderSize = 4096

// DefaultCIFHeaderSize is the CIF/CWI index file's reserved header
// size — likewise small, since a CIF header carries no per-record bit
// field declarations (spec.md §4.5's "trivial" codec).
const DefaultCIFHeaderSize = 4096

func basePath(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if ext := filepath.Ext(base); ext != "" {
		base = base[:len(base)-len(ext)]
	}
	return filepath.Join(dir, base)
}

func cwiTmpPath(cwfPath string) string   { return basePath(cwfPath) + ".cwi.tmp" }
func cwiPath(cwfPath string) string      { return basePath(cwfPath) + ".cwi" }
func cifTmpPath(cwfPath string) string   { return basePath(cwfPath) + ".cif.tmp" }
func cifFinalPath(cwfPath string) string { return companionPath(cwfPath, KindCIF) }

// CreateCWF creates a new CWF file at path together with its
// ".cwi.tmp" companion index, and attaches the two so AppendCWFRecord
// opens a fresh CIF row per shot (spec.md §4.6 step 1).
func CreateCWF(reg *Registry, path string, hdr *Header) (cwfD, cifD Descriptor, err error) {
	cwfD, err = reg.Create(path, KindCWF, hdr)
	if err != nil {
		return -1, -1, err
	}

	cifHdr := &Header{HeaderSize: DefaultCIFHeaderSize}
	cifD, err = reg.Create(cwiTmpPath(path), KindCIF, cifHdr)
	if err != nil {
		reg.Abort(cwfD)
		return -1, -1, err
	}

	if err := reg.attachCIF(cwfD, cifD); err != nil {
		reg.Abort(cwfD)
		reg.Abort(cifD)
		return -1, -1, err
	}
	return cwfD, cifD, nil
}

// CloseCWFCreate closes the CWF and its CIF descriptors opened by
// CreateCWF and renames the finished index from ".cwi.tmp" to ".cwi"
// (spec.md §4.6 step 1's final rename).
func CloseCWFCreate(reg *Registry, path string, cwfD, cifD Descriptor) error {
	if err := reg.Close(cwfD); err != nil {
		return err
	}
	if err := reg.Close(cifD); err != nil {
		return err
	}
	if err := os.Rename(cwiTmpPath(path), cwiPath(path)); err != nil {
		return reg.setLastError(ioErr(path, "renaming CWI to final name", err))
	}
	return nil
}

// OpenCPFCreate begins CPF creation paired with an already-closed CWF
// at cwfPath: it migrates that CWF's ".cwi" to ".cif.tmp" (inheriting
// every row's cwf_offset/cwf_size) and attaches it to the new CPF
// descriptor, so each AppendCPFRecord call rewrites the matching row
// instead of creating one (spec.md §4.6 step 2).
func OpenCPFCreate(reg *Registry, cwfPath, cpfPath string, hdr *Header) (cpfD, cifD Descriptor, err error) {
	cwi := cwiPath(cwfPath)
	cifTmp := cifTmpPath(cwfPath)

	if _, statErr := os.Stat(cwi); statErr != nil {
		return -1, -1, reg.setLastError(protocolErr(cwfPath, "no .cwi index found for CPF creation; close the CWF first"))
	}
	if err := os.Rename(cwi, cifTmp); err != nil {
		return -1, -1, reg.setLastError(ioErr(cwfPath, "migrating CWI to CIF", err))
	}

	cpfD, err = reg.Create(cpfPath, KindCPF, hdr)
	if err != nil {
		os.Rename(cifTmp, cwi)
		return -1, -1, err
	}

	cifD, err = reg.Open(cifTmp, KindCIF, ModeUpdate)
	if err != nil {
		reg.Abort(cpfD)
		os.Rename(cifTmp, cwi)
		return -1, -1, err
	}

	if err := reg.attachCIF(cpfD, cifD); err != nil {
		reg.Abort(cpfD)
		reg.Close(cifD)
		return -1, -1, err
	}
	return cpfD, cifD, nil
}

// CloseCPFCreate finishes CPF creation: the migrated ".cif.tmp" is
// renamed to ".cif" and the now-stale ".cwi" (already consumed by the
// migration, but tolerated if still present from a previous partial
// run) is removed (spec.md §4.6 step 3).
func CloseCPFCreate(reg *Registry, cwfPath string, cpfD, cifD Descriptor) error {
	if err := reg.Close(cpfD); err != nil {
		return err
	}
	if err := reg.Close(cifD); err != nil {
		return err
	}
	if err := os.Rename(cifTmpPath(cwfPath), cifFinalPath(cwfPath)); err != nil {
		return reg.setLastError(ioErr(cwfPath, "renaming CIF to final name", err))
	}
	if err := os.Remove(cwiPath(cwfPath)); err != nil && !os.IsNotExist(err) {
		return reg.setLastError(ioErr(cwfPath, "removing stale CWI", err))
	}
	return nil
}

// AbortCPFCreate unwinds a failed CPF creation: the half-written CPF
// file is closed and deleted, and the ".cif.tmp" migrated index is
// renamed back to ".cwi" so the CWF side is left exactly as it was
// (spec.md §4.6's abort path — CWF is never disturbed by a failed CPF
// pass).
func AbortCPFCreate(reg *Registry, cwfPath string, cpfD, cifD Descriptor) error {
	reg.Abort(cpfD)
	if err := reg.Close(cifD); err != nil {
		return err
	}
	if err := os.Rename(cifTmpPath(cwfPath), cwiPath(cwfPath)); err != nil {
		return reg.setLastError(ioErr(cwfPath, "restoring CWI after aborted CPF creation", err))
	}
	return nil
}

// OpenPairedRead opens an existing, finished CWF/CPF pair for reading,
// locating their shared ".cif". If no valid CIF is found (a crash left
// a ".cwi" or ".cif.tmp" behind, or it was deleted outright), the CIF
// is rebuilt by rescanning both record streams (spec.md §4.6's
// recovery path, invariant I1).
func OpenPairedRead(reg *Registry, cwfPath, cpfPath string, sequential bool) (cwfD, cpfD, cifD Descriptor, err error) {
	mode := ModeReadOnly
	if sequential {
		mode = ModeReadOnlySequential
	}

	cwfD, err = reg.Open(cwfPath, KindCWF, mode)
	if err != nil {
		return -1, -1, -1, err
	}
	cpfD, err = reg.Open(cpfPath, KindCPF, mode)
	if err != nil {
		reg.Close(cwfD)
		return -1, -1, -1, err
	}

	cifD, err = reg.openOrRebuildCIF(cwfPath, cwfD, cpfD)
	if err != nil {
		reg.Close(cwfD)
		reg.Close(cpfD)
		return -1, -1, -1, err
	}

	reg.attachCIF(cwfD, cifD)
	reg.attachCIF(cpfD, cifD)
	return cwfD, cpfD, cifD, nil
}

// openOrRebuildCIF opens cwfPath's finished ".cif" if present. Failing
// that, it adopts a leftover ".cif.tmp" (a crash mid-CPF-creation) or,
// failing that too, regenerates the CIF from scratch by rescanning the
// already-open CWF and CPF descriptors' record streams.
func (r *Registry) openOrRebuildCIF(cwfPath string, cwfD, cpfD Descriptor) (Descriptor, error) {
	final := cifFinalPath(cwfPath)
	if _, err := os.Stat(final); err == nil {
		return r.Open(final, KindCIF, ModeReadOnly)
	}

	if _, err := os.Stat(cifTmpPath(cwfPath)); err == nil {
		r.Logger.Warn("czmil: adopting leftover .cif.tmp from an interrupted CPF creation", "path", cwfPath)
		return r.Open(cifTmpPath(cwfPath), KindCIF, ModeReadOnly)
	}

	r.Logger.Warn("czmil: no CIF found, rebuilding by rescanning CWF/CPF", "path", cwfPath)
	return r.rebuildAndOpenCIF(cwfPath, cwfD, cpfD)
}

// rebuildAndOpenCIF rescans the CWF and CPF record streams to
// reconstruct every row, writes a fresh CIF file next to cwfPath, and
// opens it.
func (r *Registry) rebuildAndOpenCIF(cwfPath string, cwfD, cpfD Descriptor) (Descriptor, error) {
	cwfFh, err := r.handle(cwfD)
	if err != nil {
		return -1, err
	}
	cpfFh, err := r.handle(cpfD)
	if err != nil {
		return -1, err
	}

	rows, err := RebuildCIF(cwfFh.f, int64(cwfFh.header.HeaderSize), cpfFh.f, int64(cpfFh.header.HeaderSize))
	if err != nil {
		return -1, r.setLastError(err)
	}
	// The rescan moved both OS cursors; resynchronise fh.pos so readAt
	// does not skip a Seek it needs.
	if cwfFh.pos, err = cwfFh.f.Seek(0, 1); err != nil {
		return -1, r.setLastError(ioErr(cwfPath, "querying file position", err))
	}
	if cpfFh.pos, err = cpfFh.f.Seek(0, 1); err != nil {
		return -1, r.setLastError(ioErr(cpfFh.path, "querying file position", err))
	}

	cifHdr := &Header{HeaderSize: DefaultCIFHeaderSize, NumberOfRecords: int64(len(rows))}
	cifD, err := r.Create(cifFinalPath(cwfPath), KindCIF, cifHdr)
	if err != nil {
		return -1, err
	}
	idx := NewCIFIndex(r, cifD)
	total := int64(len(rows))
	for i, row := range rows {
		if err := idx.WriteRow(int64(i), row); err != nil {
			r.Close(cifD)
			return -1, err
		}
		r.reportProgress(int64(i+1), total)
	}
	if err := r.Close(cifD); err != nil {
		return -1, err
	}
	return r.Open(cifFinalPath(cwfPath), KindCIF, ModeReadOnly)
}
