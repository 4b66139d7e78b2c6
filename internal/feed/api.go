package feed

// ManifestItem is one gaiola announced by the upstream manifest.
type ManifestItem struct {
	Code        string `json:"code"`
	VehicleType string `json:"vehicleType"`
}

// ManifestResponse models the upstream manifest endpoint's response.
type ManifestResponse struct {
	Code int `json:"code"`
	Data struct {
		Page     int            `json:"page"`
		PageSize int            `json:"pageSize"`
		Total    int            `json:"total"`
		Items    []ManifestItem `json:"items"`
	} `json:"data"`
}
