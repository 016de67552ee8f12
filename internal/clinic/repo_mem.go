package clinic

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ortholife/clinicsync/internal/models"
	"github.com/ortholife/clinicsync/internal/patientmatch"
)

// memRepo is a Repository held in memory. clinicsync-server uses it when no
// DATABASE_URL is configured.
type memRepo struct {
	mu            sync.RWMutex
	patients      map[string]models.Patient
	consultations map[string]models.ServerConsultation
	counters      map[string]int
}

func NewMemoryRepo() Repository {
	return &memRepo{
		patients:      make(map[string]models.Patient),
		consultations: make(map[string]models.ServerConsultation),
		counters:      make(map[string]int),
	}
}

func (r *memRepo) GetPatient(_ context.Context, id string) (*models.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (r *memRepo) SearchPatients(_ context.Context, f CandidateFilter) ([]models.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Patient
	for _, p := range r.patients {
		switch {
		case f.PhoneDigits != "" && patientmatch.NormalizePhone(p.Phone) == f.PhoneDigits:
		case f.NameToken != "" && strings.Contains(strings.ToLower(p.Name), f.NameToken):
		case f.DOB != "" && p.DOB == f.DOB:
		default:
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *memRepo) GetConsultation(_ context.Context, id string) (*models.ServerConsultation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consultations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c.Data.Medications = append([]models.Medication(nil), c.Data.Medications...)
	return &c, nil
}

func (r *memRepo) SaveConsultation(_ context.Context, c *models.ServerConsultation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patients[c.PatientID]; !ok {
		return fmt.Errorf("save consultation %s: patient %s: %w", c.ID, c.PatientID, ErrNotFound)
	}
	stored := *c
	stored.Patient = nil
	r.consultations[c.ID] = stored
	return nil
}

func (r *memRepo) Register(_ context.Context, p *models.Patient, c *models.ServerConsultation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p != nil {
		if p.ID == "" {
			dateKey := c.CreatedAt.Format("20060102")
			r.counters[dateKey]++
			p.ID = fmt.Sprintf("%s%d", dateKey, r.counters[dateKey])
		}
		if _, exists := r.patients[p.ID]; exists {
			return fmt.Errorf("register patient %s: already exists", p.ID)
		}
		r.patients[p.ID] = *p
		c.PatientID = p.ID
	} else if _, ok := r.patients[c.PatientID]; !ok {
		return fmt.Errorf("register consultation: patient %s: %w", c.PatientID, ErrNotFound)
	}

	stored := *c
	stored.Patient = nil
	r.consultations[c.ID] = stored
	return nil
}
