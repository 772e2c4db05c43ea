// Package jobdb persists evacuation jobs, their objects, assignments, and
// duplicate sightings on behalf of the manager.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package jobdb

import (
	"context"
	"time"

	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const stageTable = "evac_objects_stage"

// staged (COPY) columns, in table order
var objColumns = []string{
	"job_id", "object_id", "owner", "cksum_type", "cksum_value", "sharks",
	"dest_shark", "assignment_id", "status", "reason", "size",
}

type (
	// PG is the relational Store: gorm for rows and counters, the underlying pgx pool
	// for bulk (COPY) object inserts with exact duplicate detection.
	PG struct {
		pool *pgxpool.Pool
		db   *gorm.DB
	}

	jobRow struct {
		CreatedAt   time.Time
		UpdatedAt   time.Time
		ID          string `gorm:"primaryKey;size:36"`
		Action      string `gorm:"not null"`
		SourceJobID string `gorm:"index"`
		State       string `gorm:"index;not null"`
		Err         string
		Params      string `gorm:"type:text"`
		core.Counters `gorm:"embedded"`
	}
	objRow struct {
		JobID        string `gorm:"primaryKey;size:36"`
		ObjectID     string `gorm:"primaryKey"`
		Owner        string `gorm:"not null"`
		CksumType    string
		CksumValue   string
		Sharks       string `gorm:"type:text"`
		DestShark    string
		AssignmentID string `gorm:"index"`
		Status       string `gorm:"index;not null"`
		Reason       string
		Size         int64
	}
	dupRow struct {
		JobID    string `gorm:"primaryKey;size:36"`
		ObjectID string `gorm:"primaryKey"`
		Owner    string
		Sharks   string `gorm:"type:text"`
		Count    int
	}
	asgnRow struct {
		CreatedAt time.Time
		ID        string `gorm:"primaryKey"`
		JobID     string `gorm:"index;size:36"`
		DestShark string
		State     string
		Tasks     string `gorm:"type:text"`
		Bytes     int64
	}

	// routes gorm's warnings (slow queries, errors) to nlog
	gormWriter struct{}
)

// interface guard
var _ Store = (*PG)(nil)

func (jobRow) TableName() string  { return "evac_jobs" }
func (objRow) TableName() string  { return "evac_objects" }
func (dupRow) TableName() string  { return "evac_duplicates" }
func (asgnRow) TableName() string { return "evac_assignments" }

func (gormWriter) Printf(format string, args ...any) { nlog.Warningf(format, args...) }

func NewPG(ctx context.Context, dsn string, maxConns int32) (*PG, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "invalid job store DSN")
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create job store pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "job store unreachable")
	}
	gcfg := &gorm.Config{
		Logger: gormlogger.New(gormWriter{}, gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	}
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: stdlib.OpenDBFromPool(pool)}), gcfg)
	if err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to open job store")
	}
	if err := db.WithContext(ctx).AutoMigrate(&jobRow{}, &objRow{}, &dupRow{}, &asgnRow{}); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to migrate job store schema")
	}
	return &PG{pool: pool, db: db}, nil
}

func (pg *PG) Close() error {
	var err error
	if sqlDB, errDB := pg.db.DB(); errDB == nil {
		err = sqlDB.Close()
	}
	pg.pool.Close()
	return err
}

//
// jobs
//

func toJobRow(job *core.Job) (*jobRow, error) {
	params, err := jsoniter.MarshalToString(&job.Params)
	if err != nil {
		return nil, err
	}
	return &jobRow{
		ID:          job.ID,
		Action:      job.Action,
		SourceJobID: job.SourceJobID,
		State:       string(job.State),
		Err:         job.Err,
		Params:      params,
		Counters:    job.Counters,
	}, nil
}

// fromJobRow never defaults an unrecognized state: it is logged and returned as an error.
func fromJobRow(row *jobRow) (*core.Job, error) {
	state, err := core.ParseJobState(row.State)
	if err != nil {
		nlog.Errorf("job %s: persisted state cannot be interpreted: %v", row.ID, err)
		return nil, err
	}
	job := &core.Job{
		Created:     row.CreatedAt,
		Updated:     row.UpdatedAt,
		ID:          row.ID,
		Action:      row.Action,
		SourceJobID: row.SourceJobID,
		State:       state,
		Err:         row.Err,
		Counters:    row.Counters,
	}
	if err := jsoniter.UnmarshalFromString(row.Params, &job.Params); err != nil {
		nlog.Errorf("job %s: persisted params cannot be decoded: %v", row.ID, err)
		return nil, err
	}
	return job, nil
}

func (pg *PG) CreateJob(ctx context.Context, job *core.Job) error {
	row, err := toJobRow(job)
	if err != nil {
		return err
	}
	if err := pg.db.WithContext(ctx).Create(row).Error; err != nil {
		return errors.Wrapf(err, "failed to create %s", job)
	}
	job.Created, job.Updated = row.CreatedAt, row.UpdatedAt
	return nil
}

func (pg *PG) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var row jobRow
	if err := pg.db.WithContext(ctx).First(&row, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrap(core.ErrJobNotFound, jobID)
		}
		return nil, err
	}
	return fromJobRow(&row)
}

// ListJobs skips (and logs) rows it cannot interpret.
func (pg *PG) ListJobs(ctx context.Context, state core.JobState) ([]*core.Job, error) {
	var (
		rows []jobRow
		q    = pg.db.WithContext(ctx).Order("created_at")
	)
	if state != "" {
		q = q.Where("state = ?", string(state))
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	jobs := make([]*core.Job, 0, len(rows))
	for i := range rows {
		if job, err := fromJobRow(&rows[i]); err == nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (pg *PG) UpdateJobState(ctx context.Context, jobID string, state core.JobState, errMsg string) error {
	res := pg.db.WithContext(ctx).Model(&jobRow{}).Where("id = ?", jobID).
		Updates(map[string]any{"state": string(state), "err": errMsg, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(core.ErrJobNotFound, jobID)
	}
	return nil
}

// IncCounters is a single `col = col + delta` UPDATE: concurrent workers never lose increments.
func (pg *PG) IncCounters(ctx context.Context, jobID string, d core.Counters) error {
	return pg.db.WithContext(ctx).Model(&jobRow{}).Where("id = ?", jobID).
		Updates(map[string]any{
			"total":      gorm.Expr("total + ?", d.Total),
			"processed":  gorm.Expr("processed + ?", d.Processed),
			"skipped":    gorm.Expr("skipped + ?", d.Skipped),
			"errors":     gorm.Expr("errors + ?", d.Errors),
			"duplicates": gorm.Expr("duplicates + ?", d.Duplicates),
			"updated_at": time.Now(),
		}).Error
}

func (pg *PG) MarkInterrupted(ctx context.Context) (int, error) {
	res := pg.db.WithContext(ctx).Model(&jobRow{}).
		Where("state IN ?", []string{string(core.JobInit), string(core.JobRunning)}).
		Updates(map[string]any{"state": string(core.JobFailed), "err": ErrInterrupted, "updated_at": time.Now()})
	return int(res.RowsAffected), res.Error
}

//
// objects
//

// InsertObjects COPYs the batch into a transaction-scoped staging table and moves it
// with ON CONFLICT DO NOTHING; RETURNING tells exactly which IDs were new.
func (pg *PG) InsertObjects(ctx context.Context, jobID string, objs []*core.EvacObj) ([]*core.EvacObj, error) {
	if len(objs) == 0 {
		return nil, nil
	}
	tx, err := pg.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	_, err = tx.Exec(ctx, "CREATE TEMP TABLE "+stageTable+" (LIKE evac_objects INCLUDING DEFAULTS) ON COMMIT DROP")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create staging table")
	}
	rows := make([][]any, 0, len(objs))
	for _, o := range objs {
		sharks, err := jsoniter.MarshalToString(o.Sharks)
		if err != nil {
			return nil, err
		}
		rows = append(rows, []any{
			jobID, o.ID, o.Owner, o.Cksum.Type, o.Cksum.Value, sharks,
			"", "", string(core.ObjUnprocessed), "", o.Size,
		})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stageTable}, objColumns, pgx.CopyFromRows(rows)); err != nil {
		return nil, errors.Wrap(err, "failed to stage objects")
	}
	res, err := tx.Query(ctx, "INSERT INTO evac_objects SELECT DISTINCT ON (job_id, object_id) * FROM "+stageTable+
		" ON CONFLICT (job_id, object_id) DO NOTHING RETURNING object_id")
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(res, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert objects")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	inserted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		inserted[id] = struct{}{}
	}
	return splitDups(objs, inserted), nil
}

func fromObjRow(row *objRow) (*core.EvacObj, error) {
	obj := &core.EvacObj{
		ID:           row.ObjectID,
		Owner:        row.Owner,
		DestShark:    row.DestShark,
		AssignmentID: row.AssignmentID,
		Size:         row.Size,
	}
	obj.Cksum.Type, obj.Cksum.Value = row.CksumType, row.CksumValue
	status, err := core.ParseObjStatus(row.Status)
	if err != nil {
		nlog.Errorf("job %s: object %s: %v", row.JobID, row.ObjectID, err)
		return nil, err
	}
	reason, err := core.ParseReason(row.Reason)
	if err != nil {
		nlog.Errorf("job %s: object %s: %v", row.JobID, row.ObjectID, err)
		return nil, err
	}
	obj.Status, obj.Reason = status, reason
	if err := jsoniter.UnmarshalFromString(row.Sharks, &obj.Sharks); err != nil {
		return nil, errors.Wrapf(err, "object %s: bad replica list", row.ObjectID)
	}
	return obj, nil
}

func (pg *PG) GetObject(ctx context.Context, jobID, objID string) (*core.EvacObj, error) {
	var row objRow
	if err := pg.db.WithContext(ctx).First(&row, "job_id = ? AND object_id = ?", jobID, objID).Error; err != nil {
		return nil, err
	}
	return fromObjRow(&row)
}

func (pg *PG) UpdateObjects(ctx context.Context, jobID string, objs []*core.EvacObj) error {
	return pg.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, obj := range objs {
			err := tx.Model(&objRow{}).Where("job_id = ? AND object_id = ?", jobID, obj.ID).
				Updates(map[string]any{
					"status":        string(obj.Status),
					"reason":        string(obj.Reason),
					"dest_shark":    obj.DestShark,
					"assignment_id": obj.AssignmentID,
				}).Error
			if err != nil {
				return errors.Wrapf(err, "failed to update %s", obj)
			}
		}
		return nil
	})
}

func (pg *PG) ListObjects(ctx context.Context, jobID string, filter ObjFilter, after string, limit int) ([]*core.EvacObj, error) {
	var (
		rows []objRow
		q    = pg.db.WithContext(ctx).Where("job_id = ? AND object_id > ?", jobID, after)
	)
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.NotStatus != "" {
		q = q.Where("status <> ?", string(filter.NotStatus))
	}
	q = q.Order("object_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	objs := make([]*core.EvacObj, 0, len(rows))
	for i := range rows {
		obj, err := fromObjRow(&rows[i])
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

//
// duplicates
//

func (pg *PG) AddDuplicates(ctx context.Context, jobID string, objs []*core.EvacObj) error {
	if len(objs) == 0 {
		return nil
	}
	// one row per object ID: a single upsert statement may not touch the same row twice
	var (
		rows = make([]*dupRow, 0, len(objs))
		byID = make(map[string]*dupRow, len(objs))
	)
	for _, obj := range objs {
		if row, ok := byID[obj.ID]; ok {
			row.Count++
			continue
		}
		sharks, err := jsoniter.MarshalToString(obj.Sharks)
		if err != nil {
			return err
		}
		row := &dupRow{JobID: jobID, ObjectID: obj.ID, Owner: obj.Owner, Sharks: sharks, Count: 1}
		byID[obj.ID] = row
		rows = append(rows, row)
	}
	return pg.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "object_id"}},
		DoUpdates: clause.Assignments(map[string]any{"count": gorm.Expr("evac_duplicates.count + excluded.count")}),
	}).Create(&rows).Error
}

func (pg *PG) ListDuplicates(ctx context.Context, jobID string) ([]*core.DuplicateObject, error) {
	var rows []dupRow
	if err := pg.db.WithContext(ctx).Where("job_id = ?", jobID).Order("object_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	dups := make([]*core.DuplicateObject, 0, len(rows))
	for i := range rows {
		d := &core.DuplicateObject{JobID: rows[i].JobID, ObjectID: rows[i].ObjectID, Owner: rows[i].Owner, Count: rows[i].Count}
		if err := jsoniter.UnmarshalFromString(rows[i].Sharks, &d.Sharks); err != nil {
			return nil, err
		}
		dups = append(dups, d)
	}
	return dups, nil
}

//
// assignments
//

func (pg *PG) SaveAssignment(ctx context.Context, asgn *core.Assignment) error {
	tasks, err := jsoniter.MarshalToString(asgn.Tasks)
	if err != nil {
		return err
	}
	row := &asgnRow{
		CreatedAt: asgn.Created,
		ID:        asgn.ID,
		JobID:     asgn.JobID,
		DestShark: asgn.DestShark,
		State:     string(asgn.State),
		Tasks:     tasks,
		Bytes:     asgn.Bytes,
	}
	return pg.db.WithContext(ctx).Save(row).Error
}

func (pg *PG) UpdateAssignmentState(ctx context.Context, asgnID string, state core.AsgnState) error {
	res := pg.db.WithContext(ctx).Model(&asgnRow{}).Where("id = ?", asgnID).Update("state", string(state))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(core.ErrAsgnNotFound, asgnID)
	}
	return nil
}

func (pg *PG) ListAssignments(ctx context.Context, jobID string) ([]*core.Assignment, error) {
	var rows []asgnRow
	if err := pg.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*core.Assignment, 0, len(rows))
	for i := range rows {
		a := &core.Assignment{
			Created:   rows[i].CreatedAt,
			ID:        rows[i].ID,
			JobID:     rows[i].JobID,
			DestShark: rows[i].DestShark,
			State:     core.AsgnState(rows[i].State),
			Bytes:     rows[i].Bytes,
		}
		if err := jsoniter.UnmarshalFromString(rows[i].Tasks, &a.Tasks); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
