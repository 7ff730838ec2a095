package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/BearBump/CarrierSync/internal/cache"
	"github.com/BearBump/CarrierSync/internal/cache/refcache"
	"github.com/BearBump/CarrierSync/internal/models"
	"github.com/BearBump/CarrierSync/internal/parser"
	"github.com/BearBump/CarrierSync/internal/storage"
)

// References resolves reference rows inside one transaction. Lookups go through the
// transaction's pending cache, so ids of rolled-back rows never become visible.
type References struct {
	w       storage.ReferenceWriter
	c       cache.BytesCache
	unitTTL time.Duration
}

// SurchargeName returns the row for name and whether this call inserted it.
func (r References) SurchargeName(ctx context.Context, carrierID int64, name string) (models.SurchargeName, bool, error) {
	created := false
	sn, err := refcache.GetOrCreate(ctx, r.c, refcache.Key("surcharge_name", carrierID, name), 0,
		func(ctx context.Context) (models.SurchargeName, error) {
			sn, isNew, err := r.w.EnsureSurchargeName(ctx, carrierID, name)
			created = isNew
			return sn, err
		})
	return sn, created, err
}

func (r References) ServiceName(ctx context.Context, carrierID int64, name string) (uint64, error) {
	return refcache.GetOrCreate(ctx, r.c, refcache.Key("service_name", carrierID, name), 0,
		func(ctx context.Context) (uint64, error) {
			return r.w.EnsureServiceName(ctx, carrierID, name)
		})
}

func (r References) ServiceCode(ctx context.Context, carrierID int64, code string, nameID *uint64) (uint64, error) {
	return refcache.GetOrCreate(ctx, r.c, refcache.Key("service_code", carrierID, code), 0,
		func(ctx context.Context) (uint64, error) {
			return r.w.EnsureServiceCode(ctx, carrierID, code, nameID)
		})
}

func (r References) UnitOfMeasure(ctx context.Context, name string) (uint64, error) {
	return refcache.GetOrCreate(ctx, r.c, refcache.Key("unit_of_measure", name), r.unitTTL,
		func(ctx context.Context) (uint64, error) {
			return r.w.EnsureUnitOfMeasure(ctx, name)
		})
}

// TrackingStatus returns the stored status for st.Code. TerminalStatus of st is only
// used when the row does not exist yet.
func (r References) TrackingStatus(ctx context.Context, st models.TrackingStatus) (models.TrackingStatus, error) {
	return refcache.GetOrCreate(ctx, r.c, refcache.Key("tracking_status", st.CarrierID, st.Code), 0,
		func(ctx context.Context) (models.TrackingStatus, error) {
			return r.w.EnsureTrackingStatus(ctx, st)
		})
}

func (r References) Location(ctx context.Context, loc models.LocationDetail) (uint64, error) {
	return refcache.GetOrCreate(ctx, r.c, refcache.Key("location", loc.ContentHash), 0,
		func(ctx context.Context) (uint64, error) {
			return r.w.EnsureLocationDetail(ctx, loc)
		})
}

// ServiceResolver maps a carrier service (description and code) onto reference ids.
type ServiceResolver interface {
	Resolve(ctx context.Context, refs References, carrierID int64, description, code string) (models.CarrierService, error)
}

// CachedServiceResolver creates the service name first and links the code to it.
type CachedServiceResolver struct{}

func (CachedServiceResolver) Resolve(ctx context.Context, refs References, carrierID int64, description, code string) (models.CarrierService, error) {
	var out models.CarrierService
	description = normalizeText(description)
	code = strings.ToUpper(normalizeText(code))

	if description != "" {
		id, err := refs.ServiceName(ctx, carrierID, description)
		if err != nil {
			return out, err
		}
		out.NameID = &id
	}
	if code != "" {
		id, err := refs.ServiceCode(ctx, carrierID, code, out.NameID)
		if err != nil {
			return out, err
		}
		out.CodeID = &id
	}
	return out, nil
}

// LocationNormalizer turns a provider address into a location row with a content hash.
// Addresses differing only in case or whitespace must hash the same.
type LocationNormalizer interface {
	Normalize(a parser.Address) models.LocationDetail
}

type HashNormalizer struct{}

func (HashNormalizer) Normalize(a parser.Address) models.LocationDetail {
	loc := models.LocationDetail{
		City:       normalizeText(a.City),
		State:      strings.ToUpper(normalizeText(a.State)),
		PostalCode: strings.ToUpper(strings.ReplaceAll(normalizeText(a.PostalCode), " ", "")),
		Country:    strings.ToUpper(normalizeText(a.Country)),
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		strings.ToLower(loc.City), loc.State, loc.PostalCode, loc.Country,
	}, "|")))
	loc.ContentHash = hex.EncodeToString(sum[:])
	return loc
}

// normalizeText trims and collapses inner whitespace. Case is preserved.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
