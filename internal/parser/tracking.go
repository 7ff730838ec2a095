package parser

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ProviderError is an error entry reported inside a provider response body.
type ProviderError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Service struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type Address struct {
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Description is the human readable "City, ST, Country" form.
func (a Address) Description() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{a.City, a.State, a.Country} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

type Status struct {
	Code        string `json:"code"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Activity is one scan. LocalTime is carrier-local wall clock time without zone.
type Activity struct {
	Status    Status     `json:"status"`
	Location  Address    `json:"location"`
	LocalTime *time.Time `json:"local_time,omitempty"`
}

type Measure struct {
	Value string `json:"value"`
	Unit  string `json:"unit"`
}

type Dimensions struct {
	Length string `json:"length"`
	Width  string `json:"width"`
	Height string `json:"height"`
	Unit   string `json:"unit"`
}

type Package struct {
	TrackingNumber    string      `json:"tracking_number"`
	Service           *Service    `json:"service,omitempty"`
	Activities        []Activity  `json:"activities"`
	Origin            *Address    `json:"origin,omitempty"`
	Destination       *Address    `json:"destination,omitempty"`
	Weight            *Measure    `json:"weight,omitempty"`
	Dimensions        *Dimensions `json:"dimensions,omitempty"`
	EstimatedDelivery *time.Time  `json:"estimated_delivery,omitempty"`
	PickupDate        *time.Time  `json:"pickup_date,omitempty"`
}

// TrackingResult is the canonical form of one provider response, tagged with the
// carrier and number it was fetched for.
type TrackingResult struct {
	CarrierCode             string          `json:"carrier_code"`
	TrackingNumber          string          `json:"tracking_number"`
	Errors                  []ProviderError `json:"errors,omitempty"`
	AlternateTrackingNumber string          `json:"alternate_tracking_number,omitempty"`
	Packages                []Package       `json:"packages"`
}

// Events flattens activities of all packages in provider order (newest first).
func (r TrackingResult) Events() []Activity {
	var out []Activity
	for _, p := range r.Packages {
		out = append(out, p.Activities...)
	}
	return out
}

// Service is the first service reported on any package.
func (r TrackingResult) Service() *Service {
	for _, p := range r.Packages {
		if p.Service != nil && (p.Service.Code != "" || p.Service.Description != "") {
			return p.Service
		}
	}
	return nil
}

// LabelCreatedAt is the latest, across packages, of each package's oldest activity
// (the last one listed). nil when no package has a timed activity.
func (r TrackingResult) LabelCreatedAt() *time.Time {
	var best *time.Time
	for _, p := range r.Packages {
		if len(p.Activities) == 0 {
			continue
		}
		t := p.Activities[len(p.Activities)-1].LocalTime
		if t == nil {
			continue
		}
		if best == nil || t.After(*best) {
			tt := *t
			best = &tt
		}
	}
	return best
}

// provider wire format, only the fields consumed.
type trackDoc struct {
	TrackResponse struct {
		Shipment []struct {
			InquiryNumber           string          `json:"inquiryNumber"`
			Warnings                []ProviderError `json:"warnings"`
			AlternateTrackingNumber []struct {
				Number string `json:"number"`
				Type   string `json:"type"`
			} `json:"alternateTrackingNumber"`
			Package []trackPackage `json:"package"`
		} `json:"shipment"`
	} `json:"trackResponse"`
	Response struct {
		Errors []ProviderError `json:"errors"`
	} `json:"response"`
}

type trackAddress struct {
	City          string `json:"city"`
	StateProvince string `json:"stateProvince"`
	PostalCode    string `json:"postalCode"`
	CountryCode   string `json:"countryCode"`
	Country       string `json:"country"`
}

func (a trackAddress) canonical() Address {
	country := a.CountryCode
	if country == "" {
		country = a.Country
	}
	return Address{
		City:       strings.TrimSpace(a.City),
		State:      strings.TrimSpace(a.StateProvince),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    strings.TrimSpace(country),
	}
}

type trackPackage struct {
	TrackingNumber string `json:"trackingNumber"`
	Service        *struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"service"`
	Weight *struct {
		UnitOfMeasurement string `json:"unitOfMeasurement"`
		Weight            string `json:"weight"`
	} `json:"weight"`
	Dimension *struct {
		UnitOfDimension string `json:"unitOfDimension"`
		Length          string `json:"length"`
		Width           string `json:"width"`
		Height          string `json:"height"`
	} `json:"dimension"`
	PackageAddress []struct {
		Type    string       `json:"type"`
		Address trackAddress `json:"address"`
	} `json:"packageAddress"`
	DeliveryDate []struct {
		Type string `json:"type"`
		Date string `json:"date"`
	} `json:"deliveryDate"`
	PickupDate string `json:"pickupDate"`
	Activity   []struct {
		Location struct {
			Address trackAddress `json:"address"`
		} `json:"location"`
		Status struct {
			Type        string `json:"type"`
			Description string `json:"description"`
			Code        string `json:"code"`
		} `json:"status"`
		Date string `json:"date"`
		Time string `json:"time"`
	} `json:"activity"`
}

type TrackingParser struct{}

// Parse decodes a provider body for (carrierCode, number). Provider-reported errors are
// returned in the result, not as a Go error; only unreadable bodies fail.
func (TrackingParser) Parse(raw []byte, carrierCode, number string) (TrackingResult, error) {
	res := TrackingResult{CarrierCode: carrierCode, TrackingNumber: number}
	if len(bytes.TrimSpace(raw)) == 0 {
		return res, ErrEmptyDocument
	}

	var doc trackDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return res, errors.Wrap(ErrMalformed, err.Error())
	}

	res.Errors = append(res.Errors, doc.Response.Errors...)
	for _, s := range doc.TrackResponse.Shipment {
		res.Errors = append(res.Errors, s.Warnings...)
		for _, alt := range s.AlternateTrackingNumber {
			n := strings.TrimSpace(alt.Number)
			if n != "" && n != number && res.AlternateTrackingNumber == "" {
				res.AlternateTrackingNumber = n
			}
		}
		for _, p := range s.Package {
			pkg, err := canonicalPackage(p)
			if err != nil {
				return res, err
			}
			res.Packages = append(res.Packages, pkg)
		}
	}
	return res, nil
}

func canonicalPackage(p trackPackage) (Package, error) {
	pkg := Package{TrackingNumber: p.TrackingNumber}
	if p.Service != nil {
		pkg.Service = &Service{Code: strings.TrimSpace(p.Service.Code), Description: strings.TrimSpace(p.Service.Description)}
	}
	if p.Weight != nil && p.Weight.Weight != "" {
		pkg.Weight = &Measure{Value: p.Weight.Weight, Unit: p.Weight.UnitOfMeasurement}
	}
	if p.Dimension != nil {
		pkg.Dimensions = &Dimensions{
			Length: p.Dimension.Length,
			Width:  p.Dimension.Width,
			Height: p.Dimension.Height,
			Unit:   p.Dimension.UnitOfDimension,
		}
	}
	for _, a := range p.PackageAddress {
		addr := a.Address.canonical()
		switch strings.ToUpper(a.Type) {
		case "ORIGIN", "SHIPPER":
			pkg.Origin = &addr
		case "DESTINATION", "DELIVERY":
			pkg.Destination = &addr
		}
	}
	for _, d := range p.DeliveryDate {
		t, err := parseLocalTime(d.Date, "")
		if err != nil {
			return pkg, err
		}
		if t != nil {
			pkg.EstimatedDelivery = t
			break
		}
	}
	pickup, err := parseLocalTime(p.PickupDate, "")
	if err != nil {
		return pkg, err
	}
	pkg.PickupDate = pickup

	for _, a := range p.Activity {
		t, err := parseLocalTime(a.Date, a.Time)
		if err != nil {
			return pkg, err
		}
		code := strings.TrimSpace(a.Status.Code)
		if code == "" {
			code = strings.TrimSpace(a.Status.Type)
		}
		pkg.Activities = append(pkg.Activities, Activity{
			Status: Status{
				Code:        code,
				Type:        strings.TrimSpace(a.Status.Type),
				Description: strings.TrimSpace(a.Status.Description),
			},
			Location:  a.Location.Address.canonical(),
			LocalTime: t,
		})
	}
	return pkg, nil
}

// parseLocalTime reads "20060102" + optional "150405" as a zone-less wall clock.
func parseLocalTime(date, clock string) (*time.Time, error) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if date == "" {
		return nil, nil
	}
	if clock == "" {
		clock = "000000"
	}
	t, err := time.ParseInLocation("20060102150405", date+clock, time.UTC)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "bad timestamp %q %q", date, clock)
	}
	return &t, nil
}
