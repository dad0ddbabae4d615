package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "Chimera-Swarm/internal/errors"
	"Chimera-Swarm/internal/incident"
)

const maxCachedIncidents = 512

// FileIncidentRepository 以 JSON 行追加写的方式归档事件，重启后从文件恢复。
type FileIncidentRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []incident.Incident
}

// NewFileIncidentRepository 在 dataDir 下创建 incidents.log。
func NewFileIncidentRepository(dataDir string) (*FileIncidentRepository, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	repo := &FileIncidentRepository{dataFile: filepath.Join(dataDir, "incidents.log")}
	if err := repo.restore(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 追加写入一条事件。
func (r *FileIncidentRepository) Save(_ context.Context, inc incident.Incident) error {
	encoded, err := json.Marshal(inc)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化事件失败")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	file, err := os.OpenFile(r.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开事件日志失败")
	}
	defer file.Close()
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入事件日志失败")
	}

	r.records = append([]incident.Incident{inc}, r.records...)
	if len(r.records) > maxCachedIncidents {
		r.records = r.records[:maxCachedIncidents]
	}
	return nil
}

// ListLatest 按时间倒序返回最近的事件。
func (r *FileIncidentRepository) ListLatest(_ context.Context, limit int) ([]incident.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.records) {
		limit = len(r.records)
	}
	out := make([]incident.Incident, limit)
	copy(out, r.records[:limit])
	return out, nil
}

func (r *FileIncidentRepository) restore() error {
	file, err := os.OpenFile(r.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取事件日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var restored []incident.Incident
	for scanner.Scan() {
		var inc incident.Incident
		if err := json.Unmarshal(scanner.Bytes(), &inc); err != nil {
			// 跳过写了一半的行。
			continue
		}
		restored = append([]incident.Incident{inc}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件日志失败")
	}
	if len(restored) > maxCachedIncidents {
		restored = restored[:maxCachedIncidents]
	}
	r.records = restored
	return nil
}

// SQLIncidentRepository 使用 MySQL 归档事件。
type SQLIncidentRepository struct {
	db *sql.DB
}

// NewSQLIncidentRepository 建立连接池并执行迁移。
func NewSQLIncidentRepository(ctx context.Context, cfg Config) (*SQLIncidentRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化事件归档库失败")
	}
	repo := &SQLIncidentRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败")
	}
	return repo, nil
}

func (s *SQLIncidentRepository) runMigrations(ctx context.Context) error {
	return migrate(ctx, s.db, embeddedMigrations)
}

const insertIncidentSQL = `INSERT INTO incidents
    (id, task_id, task_type, error, retry_count, max_retries, code, severity, metadata, raised_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const listIncidentsSQL = `SELECT id, task_id, task_type, error, retry_count, max_retries, code, severity, metadata, raised_at
    FROM incidents ORDER BY raised_at DESC, id DESC LIMIT ?`

// Save 写入一条事件。
func (s *SQLIncidentRepository) Save(ctx context.Context, inc incident.Incident) error {
	metadata, err := json.Marshal(inc.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化事件元数据失败")
	}
	if _, err := s.db.ExecContext(ctx, insertIncidentSQL,
		inc.ID,
		inc.TaskID,
		inc.TaskType,
		inc.Error,
		inc.RetryCount,
		inc.MaxRetries,
		string(inc.Code),
		string(inc.Severity),
		string(metadata),
		inc.RaisedAt.UTC().UnixMilli(),
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 MySQL 失败")
	}
	return nil
}

// ListLatest 查询最近的事件。
func (s *SQLIncidentRepository) ListLatest(ctx context.Context, limit int) ([]incident.Incident, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, listIncidentsSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询事件失败")
	}
	defer rows.Close()

	var out []incident.Incident
	for rows.Next() {
		var (
			inc      incident.Incident
			code     string
			severity string
			metadata string
			raisedAt int64
		)
		if err := rows.Scan(&inc.ID, &inc.TaskID, &inc.TaskType, &inc.Error, &inc.RetryCount, &inc.MaxRetries,
			&code, &severity, &metadata, &raisedAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析事件失败")
		}
		inc.Code = xerrors.Code(code)
		inc.Severity = xerrors.Severity(severity)
		inc.RaisedAt = time.UnixMilli(raisedAt).UTC()
		if metadata != "" && metadata != "null" {
			if err := json.Unmarshal([]byte(metadata), &inc.Metadata); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("事件 %s 元数据损坏", inc.ID))
			}
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历事件失败")
	}
	return out, nil
}

// Close 关闭底层数据库连接。
func (s *SQLIncidentRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ incident.Repository = (*FileIncidentRepository)(nil)
	_ incident.Repository = (*SQLIncidentRepository)(nil)
)
