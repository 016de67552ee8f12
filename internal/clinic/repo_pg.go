package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ortholife/clinicsync/internal/models"
	"github.com/ortholife/clinicsync/internal/patientmatch"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const patientCols = `id, name, phone, dob, sex, created_at, updated_at`

func scanPatient(row pgx.Row) (*models.Patient, error) {
	var p models.Patient
	if err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.DOB, &p.Sex, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	return scanPatient(r.pool.QueryRow(ctx, `SELECT `+patientCols+` FROM patients WHERE id = $1`, id))
}

func (r *repoPG) SearchPatients(ctx context.Context, f CandidateFilter) ([]models.Patient, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}
	rows, err := r.pool.Query(ctx, `SELECT `+patientCols+` FROM patients
		WHERE ($1 <> '' AND phone_digits = $1)
		   OR ($2 <> '' AND lower(name) LIKE '%' || $2 || '%')
		   OR ($3 <> '' AND dob = $3)
		ORDER BY id
		LIMIT $4`,
		f.PhoneDigits, f.NameToken, f.DOB, limit)
	if err != nil {
		return nil, fmt.Errorf("search patients: %w", err)
	}
	defer rows.Close()

	var out []models.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

const consultationCols = `id, patient_id, consultation_data, status, duration, created_at, updated_at`

func scanConsultation(row pgx.Row) (*models.ServerConsultation, error) {
	var (
		c      models.ServerConsultation
		data   []byte
		status string
	)
	if err := row.Scan(&c.ID, &c.PatientID, &data, &status, &c.Duration, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.Status = models.ConsultationStatus(status)
	if err := json.Unmarshal(data, &c.Data); err != nil {
		return nil, fmt.Errorf("decode consultation_data of %s: %w", c.ID, err)
	}
	return &c, nil
}

func (r *repoPG) GetConsultation(ctx context.Context, id string) (*models.ServerConsultation, error) {
	return scanConsultation(r.pool.QueryRow(ctx, `SELECT `+consultationCols+` FROM consultations WHERE id = $1`, id))
}

func (r *repoPG) SaveConsultation(ctx context.Context, c *models.ServerConsultation) error {
	data, err := json.Marshal(c.Data)
	if err != nil {
		return fmt.Errorf("encode consultation_data: %w", err)
	}
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO consultations (id, patient_id, consultation_data, status, duration, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (SELECT 1 FROM patients WHERE id = $2)
		ON CONFLICT (id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			consultation_data = EXCLUDED.consultation_data,
			status = EXCLUDED.status,
			duration = EXCLUDED.duration,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.PatientID, data, string(c.Status), c.Duration, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save consultation %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save consultation %s: patient %s: %w", c.ID, c.PatientID, ErrNotFound)
	}
	return nil
}

func (r *repoPG) Register(ctx context.Context, p *models.Patient, c *models.ServerConsultation) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin registration: %w", err)
	}
	defer tx.Rollback(ctx)

	if p != nil {
		if p.ID == "" {
			dateKey := c.CreatedAt.Format("20060102")
			var n int
			if err := tx.QueryRow(ctx, `
				INSERT INTO patient_counters (date_key, counter) VALUES ($1, 1)
				ON CONFLICT (date_key) DO UPDATE SET counter = patient_counters.counter + 1
				RETURNING counter`, dateKey).Scan(&n); err != nil {
				return fmt.Errorf("next patient id: %w", err)
			}
			p.ID = fmt.Sprintf("%s%d", dateKey, n)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO patients (id, name, phone, phone_digits, dob, sex, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			p.ID, p.Name, p.Phone, patientmatch.NormalizePhone(p.Phone), p.DOB, p.Sex, p.CreatedAt, p.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert patient: %w", err)
		}
		c.PatientID = p.ID
	} else {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE id = $1)`, c.PatientID).Scan(&exists); err != nil {
			return fmt.Errorf("check patient %s: %w", c.PatientID, err)
		}
		if !exists {
			return fmt.Errorf("register consultation: patient %s: %w", c.PatientID, ErrNotFound)
		}
	}

	data, err := json.Marshal(c.Data)
	if err != nil {
		return fmt.Errorf("encode consultation_data: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO consultations (id, patient_id, consultation_data, status, duration, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.PatientID, data, string(c.Status), c.Duration, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert consultation: %w", err)
	}

	return tx.Commit(ctx)
}
