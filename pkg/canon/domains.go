package canon

import "sort"

// Domain describes one recognized canonical target: the domain name a
// transform_config populates, whether records in it carry geometry, and
// the minimal field set a record must have when drop_null_rows is enabled.
type Domain struct {
	Name string

	// Spatial reports whether records in this domain carry geometry. A raw
	// record with no geometry is only valid for non-spatial domains.
	Spatial bool

	// Required is the domain's minimal-field set, enforced by the
	// drop_null_rows op after all stages have run.
	Required []string
}

// domains is the fixed registry of canonical targets. A transform_config
// whose metadata.canonical_target is not listed here is rejected at load
// time, not per record.
var domains = map[string]Domain{
	"parcel":               {Name: "parcel", Spatial: true, Required: []string{"parcel_id"}},
	"zoning":               {Name: "zoning", Spatial: true, Required: []string{"zoning_code"}},
	"flood":                {Name: "flood", Spatial: true, Required: []string{"flood_zone"}},
	"utility_line":         {Name: "utility_line", Spatial: true, Required: []string{"utility_type"}},
	"utility_service_area": {Name: "utility_service_area", Spatial: true, Required: []string{"provider"}},
	"address":              {Name: "address", Spatial: true, Required: []string{"full_address"}},
	"building_footprint":   {Name: "building_footprint", Spatial: true, Required: nil},
	"easement":             {Name: "easement", Spatial: true, Required: []string{"easement_type"}},
	"street_segment":       {Name: "street_segment", Spatial: true, Required: []string{"street_name"}},
	"overlay_district":     {Name: "overlay_district", Spatial: true, Required: []string{"district_name"}},
	"jurisdiction":         {Name: "jurisdiction", Spatial: false, Required: []string{"jurisdiction_name"}},
}

// LookupDomain returns the domain registered under name.
func LookupDomain(name string) (Domain, bool) {
	d, ok := domains[name]
	return d, ok
}

// DomainNames returns the registered domain names in sorted order, for
// error messages and validation output.
func DomainNames() []string {
	names := make([]string, 0, len(domains))
	for n := range domains {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
