package main

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/saleskingacademy/agentpool/internal/config"
	"github.com/saleskingacademy/agentpool/internal/store"
	"github.com/saleskingacademy/agentpool/internal/vault"
)

const (
	dbEntry       = "agentpool.db"
	manifestEntry = "manifest.json"
	passphraseEnv = "AGENTPOOL_BACKUP_PASSPHRASE"
)

type manifest struct {
	Version    string                   `json:"version"`
	CreatedAt  time.Time                `json:"created_at"`
	Agents     int                      `json:"agents"`
	TaskCounts map[store.TaskStatus]int `json:"task_counts"`
	Encrypted  bool                     `json:"-"`
}

func parseFileFlag(args []string) (string, error) {
	for i := 0; i < len(args); i++ {
		if args[i] == "-f" {
			if i+1 >= len(args) {
				return "", fmt.Errorf("missing value for -f")
			}
			return args[i+1], nil
		}
	}
	return "", nil
}

func runBackup(args []string) error {
	outputPath, err := parseFileFlag(args)
	if err != nil {
		return err
	}
	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: agentpool backup -f <output.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m, err := backup(context.Background(), cfg.Store, outputPath, os.Getenv(passphraseEnv))
	if err != nil {
		return err
	}

	size := int64(0)
	if info, err := os.Stat(outputPath); err == nil {
		size = info.Size()
	}
	enc := ""
	if m.Encrypted {
		enc = ", encrypted"
	}
	fmt.Printf("Backup complete: %d agents, %d tasks, %s%s\n", m.Agents, totalTasks(m.TaskCounts), formatSize(size), enc)
	return nil
}

// backup snapshots the store into a zstd-compressed tar at outputPath,
// sealed with the passphrase when one is given.
func backup(ctx context.Context, cfg config.StoreConfig, outputPath, passphrase string) (*manifest, error) {
	db, err := store.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	snap, err := db.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	m := &manifest{
		Version:    version,
		CreatedAt:  time.Now().UTC(),
		Agents:     len(snap.Agents),
		TaskCounts: snap.TaskCounts,
		Encrypted:  passphrase != "",
	}

	tmpDir, err := os.MkdirTemp("", "agentpool-backup-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	dbCopy := filepath.Join(tmpDir, dbEntry)
	if err := db.BackupTo(ctx, dbCopy); err != nil {
		return nil, err
	}

	var archive bytes.Buffer
	if err := writeArchive(&archive, dbCopy, m); err != nil {
		return nil, err
	}

	data := archive.Bytes()
	if passphrase != "" {
		data, err = vault.New(passphrase).Seal(data)
		if err != nil {
			return nil, fmt.Errorf("encrypt backup: %w", err)
		}
	}

	if err := os.WriteFile(outputPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write backup: %w", err)
	}
	return m, nil
}

func writeArchive(w io.Writer, dbPath string, m *manifest) error {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	meta, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := writeEntry(tw, manifestEntry, bytes.NewReader(meta), int64(len(meta)), m.CreatedAt); err != nil {
		return err
	}

	f, err := os.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database copy: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat database copy: %w", err)
	}
	if err := writeEntry(tw, dbEntry, f, info.Size(), m.CreatedAt); err != nil {
		return err
	}

	// Close explicitly to catch write errors
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("close zstd: %w", err)
	}
	return nil
}

func writeEntry(tw *tar.Writer, name string, r io.Reader, size int64, modTime time.Time) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o600,
		Size:     size,
		ModTime:  modTime,
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := io.Copy(tw, r); err != nil {
		return fmt.Errorf("write tar data: %w", err)
	}
	return nil
}

func runRestore(args []string) error {
	inputPath, err := parseFileFlag(args)
	if err != nil {
		return err
	}
	if inputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: agentpool restore -f <backup.tar.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	m, err := restore(cfg.Store, inputPath, os.Getenv(passphraseEnv))
	if errors.Is(err, store.ErrLocked) {
		return fmt.Errorf("stop the running server before restoring: %w", err)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Restore complete: %d agents, %d tasks from backup taken %s\n",
		m.Agents, totalTasks(m.TaskCounts), m.CreatedAt.Format(time.RFC3339))
	return nil
}

// restore replaces the store's database with the one in the archive. The
// manifest is returned for reporting.
func restore(cfg config.StoreConfig, inputPath, passphrase string) (*manifest, error) {
	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, fmt.Errorf("read backup: %w", err)
	}

	if vault.IsSealed(data) {
		if passphrase == "" {
			return nil, fmt.Errorf("backup is encrypted, set %s", passphraseEnv)
		}
		data, err = vault.New(passphrase).Open(data)
		if err != nil {
			return nil, fmt.Errorf("decrypt backup: %w", err)
		}
	}

	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	var m manifest
	restored := false
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}

		switch hdr.Name {
		case manifestEntry:
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				return nil, fmt.Errorf("decode manifest: %w", err)
			}
		case dbEntry:
			if err := store.Restore(cfg.Path, tr); err != nil {
				return nil, err
			}
			restored = true
		}
	}

	if !restored {
		return nil, fmt.Errorf("archive has no %s entry", dbEntry)
	}
	return &m, nil
}

func totalTasks(counts map[store.TaskStatus]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

func formatSize(n int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case n >= gb:
		return fmt.Sprintf("%.1f GB", float64(n)/float64(gb))
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(mb))
	case n >= kb:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
