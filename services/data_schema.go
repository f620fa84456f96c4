package services

import "encoding/json"

type CaseRecord struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	Probability  float64 `json:"prob"`
	User         string  `json:"user"`
	Organization string  `json:"org"`
	Date         string  `json:"date"`
}

// UnmarshalJSON accepts both the short names the backend emits (prob, org)
// and the long ones (probability, organization).
func (c *CaseRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		Lat          float64  `json:"lat"`
		Lng          float64  `json:"lng"`
		Prob         *float64 `json:"prob"`
		Probability  *float64 `json:"probability"`
		User         string   `json:"user"`
		Org          *string  `json:"org"`
		Organization *string  `json:"organization"`
		Date         string   `json:"date"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*c = CaseRecord{Lat: raw.Lat, Lng: raw.Lng, User: raw.User, Date: raw.Date}
	switch {
	case raw.Prob != nil:
		c.Probability = *raw.Prob
	case raw.Probability != nil:
		c.Probability = *raw.Probability
	}
	switch {
	case raw.Org != nil:
		c.Organization = *raw.Org
	case raw.Organization != nil:
		c.Organization = *raw.Organization
	}
	return nil
}

type ProvisionedKeys struct {
	MapTileKey string `json:"mapTileKey"`
	GeocodeKey string `json:"geocodeKey"`
}

// UnmarshalJSON also accepts the provider-named fields older backends send.
func (k *ProvisionedKeys) UnmarshalJSON(data []byte) error {
	var raw struct {
		MapTileKey       string `json:"mapTileKey"`
		GeocodeKey       string `json:"geocodeKey"`
		MapboxAPIKey     string `json:"mapboxApiKey"`
		GoogleMapsAPIKey string `json:"googleMapsApiKey"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	k.MapTileKey = firstNonEmpty(raw.MapTileKey, raw.MapboxAPIKey)
	k.GeocodeKey = firstNonEmpty(raw.GeocodeKey, raw.GoogleMapsAPIKey)
	return nil
}

func (k ProvisionedKeys) Complete() bool {
	return k.MapTileKey != "" && k.GeocodeKey != ""
}

type Prediction struct {
	TagName     string  `json:"tagName"`
	Probability float64 `json:"probability"`
}

type Account struct {
	Username     string `json:"username"`
	Organization string `json:"organization"`
}

type SignInRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SignUpRequest struct {
	Email        string `json:"email"`
	Organization string `json:"organization"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

type Counts struct {
	Positive int `json:"positiveCount"`
	Negative int `json:"negativeCount"`
}

type GalleryImage struct {
	ID       string        `json:"_id"`
	URL      string        `json:"url"`
	Metadata ImageMetadata `json:"metadata"`
}

type ImageMetadata struct {
	Result      string  `json:"result"`
	Probability float64 `json:"probability"`
	User        string  `json:"user"`
	Org         string  `json:"org"`
	Date        string  `json:"date"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
