// Package services – VehicleService
//
// This file implements the vehicle registry collaborator. It validates and
// normalizes registration data and exposes lookups used by intake and
// scheduling. Health status is not writable here; only the orchestrator
// changes it as incidents progress.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gorm.io/gorm"

	"github.com/tbourn/autofix-backend/internal/domain"
	"github.com/tbourn/autofix-backend/internal/repo"
	"github.com/tbourn/autofix-backend/internal/utils"
)

// VIN format: 17 alphanumeric characters, excluding I, O, Q.
var vinRegex = regexp.MustCompile(`^[A-HJ-NPR-Z0-9]{17}$`)

// VehicleRepo defines the repository contract required by VehicleService.
type VehicleRepo interface {
	CreateVehicle(ctx context.Context, db *gorm.DB, v *domain.Vehicle) error
	GetVehicle(ctx context.Context, db *gorm.DB, id string) (*domain.Vehicle, error)
	CountVehicles(ctx context.Context, db *gorm.DB) (int64, error)
	ListVehiclesPage(ctx context.Context, db *gorm.DB, offset, limit int) ([]domain.Vehicle, error)
}

// VehicleInput is the registration payload.
type VehicleInput struct {
	UserID    string
	VIN       string
	Make      string
	Model     string
	Year      int
	Latitude  *float64
	Longitude *float64
}

// VehicleService registers and looks up vehicles.
type VehicleService struct {
	DB   *gorm.DB
	Repo VehicleRepo

	// Locale drives make/model title-casing.
	Locale language.Tag
	// Now is overridable in tests.
	Now func() time.Time
}

// NewVehicleService constructs a VehicleService.
func NewVehicleService(db *gorm.DB, r VehicleRepo) *VehicleService {
	return &VehicleService{DB: db, Repo: r, Locale: language.English, Now: time.Now}
}

// Register validates and stores a vehicle. A VIN already on file yields
// ErrDuplicateVIN.
func (s *VehicleService) Register(ctx context.Context, in VehicleInput) (*domain.Vehicle, error) {
	ctx, span := otel.Tracer("services/VehicleService").Start(ctx, "Register",
		trace.WithAttributes(attribute.String("user.id", in.UserID)))
	defer span.End()

	v, err := s.normalize(in)
	if err != nil {
		return nil, err
	}
	if err := s.Repo.CreateVehicle(ctx, s.DB, v); err != nil {
		if repo.IsDuplicate(err) {
			return nil, ErrDuplicateVIN
		}
		return nil, err
	}
	return v, nil
}

// Get returns a vehicle or ErrVehicleNotFound.
func (s *VehicleService) Get(ctx context.Context, id string) (*domain.Vehicle, error) {
	v, err := s.Repo.GetVehicle(ctx, s.DB, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVehicleNotFound
	}
	return v, err
}

// ListPage returns a page of vehicles and the total count.
func (s *VehicleService) ListPage(ctx context.Context, page, pageSize int) ([]domain.Vehicle, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total, err := s.Repo.CountVehicles(ctx, s.DB)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Vehicle{}, 0, nil
	}
	items, err := s.Repo.ListVehiclesPage(ctx, s.DB, utils.Offset(page, pageSize), pageSize)
	return items, total, err
}

func (s *VehicleService) normalize(in VehicleInput) (*domain.Vehicle, error) {
	vin := strings.ToUpper(strings.TrimSpace(in.VIN))
	if !vinRegex.MatchString(vin) {
		return nil, ErrInvalidVehicle
	}
	userID := strings.TrimSpace(in.UserID)
	mk := strings.Join(strings.Fields(in.Make), " ")
	model := strings.Join(strings.Fields(in.Model), " ")
	if userID == "" || mk == "" || model == "" {
		return nil, ErrInvalidVehicle
	}
	maxYear := s.Now().Year() + 1
	if in.Year < 1981 || in.Year > maxYear {
		return nil, ErrInvalidVehicle
	}
	if (in.Latitude == nil) != (in.Longitude == nil) {
		return nil, ErrInvalidVehicle
	}
	if in.Latitude != nil && (*in.Latitude < -90 || *in.Latitude > 90 || *in.Longitude < -180 || *in.Longitude > 180) {
		return nil, ErrInvalidVehicle
	}

	return &domain.Vehicle{
		UserID:    userID,
		VIN:       vin,
		Make:      s.titleCase(mk),
		Model:     s.titleCase(model),
		Year:      in.Year,
		Latitude:  in.Latitude,
		Longitude: in.Longitude,
	}, nil
}

// titleCase capitalizes all-lowercase words and leaves the rest alone, so
// "toyota camry" becomes "Toyota Camry" while "BMW" and "RAV4" survive.
func (s *VehicleService) titleCase(in string) string {
	caser := cases.Title(s.Locale)
	words := strings.Fields(in)
	for i, w := range words {
		if w == strings.ToLower(w) {
			words[i] = caser.String(w)
		}
	}
	return strings.Join(words, " ")
}
