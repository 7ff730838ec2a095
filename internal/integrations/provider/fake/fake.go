package fake

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"time"

	"github.com/BearBump/CarrierSync/internal/integrations/provider"
)

// Client: детерминированная заглушка провайдера трекинга для локального запуска.
// Ответ зависит только от (carrier, number): часть номеров "доставлена", часть ещё
// не известна провайдеру, у части есть альтернативный номер.
type Client struct {
	now func() time.Time
}

func New() *Client { return &Client{now: time.Now} }

var _ provider.Client = (*Client)(nil)

// SoftErrorCode is what the fake reports for numbers the provider "does not know yet".
const SoftErrorCode = "TW0001"

func bucket(carrierCode, number string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(carrierCode))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(number))
	return h.Sum32()
}

type activity struct {
	Location struct {
		Address map[string]string `json:"address"`
	} `json:"location"`
	Status map[string]string `json:"status"`
	Date   string            `json:"date"`
	Time   string            `json:"time"`
}

func newActivity(at time.Time, city, code, typ, desc string) activity {
	var a activity
	a.Location.Address = map[string]string{"city": city, "countryCode": "US"}
	a.Status = map[string]string{"code": code, "type": typ, "description": desc}
	a.Date = at.Format("20060102")
	a.Time = at.Format("150405")
	return a
}

func (c *Client) FetchTracking(_ context.Context, carrierCode, number string) ([]byte, error) {
	v := bucket(carrierCode, number)
	now := c.now().UTC().Truncate(time.Second)

	if v%7 == 0 {
		return json.Marshal(map[string]any{
			"trackResponse": map[string]any{
				"shipment": []any{map[string]any{
					"inquiryNumber": number,
					"warnings":      []any{map[string]string{"code": SoftErrorCode, "message": "Tracking Information Not Found"}},
				}},
			},
		})
	}

	acts := []activity{
		newActivity(now.Add(-2*time.Hour), "Louisville", "AR", "I", "Arrived at Facility"),
		newActivity(now.Add(-26*time.Hour), "Atlanta", "MP", "M", "Shipper created a label"),
	}
	// 20% номеров считаем доставленными
	if v%5 == 0 {
		acts = append([]activity{newActivity(now.Add(-time.Hour), "Austin", "FS", "D", "Delivered")}, acts...)
	}

	shipment := map[string]any{
		"inquiryNumber": number,
		"package": []any{map[string]any{
			"trackingNumber": number,
			"service":        map[string]string{"code": "003", "description": "Ground"},
			"weight":         map[string]string{"unitOfMeasurement": "LBS", "weight": "2.00"},
			"activity":       acts,
		}},
	}
	if v%11 == 0 {
		shipment["alternateTrackingNumber"] = []any{map[string]string{"number": "ALT" + number, "type": "MAIL_INNOVATIONS"}}
	}
	return json.Marshal(map[string]any{"trackResponse": map[string]any{"shipment": []any{shipment}}})
}
