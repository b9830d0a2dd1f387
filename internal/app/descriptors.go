package app

import (
	"github.com/sumandas0/fleetadmin/internal/records"
)

// Things and clients need no behaviour beyond the generic record service.

func ThingsDescriptor(collection string) records.Descriptor {
	return records.Descriptor{
		Collection:     collection,
		JSONFields:     []string{"metadata"},
		ExpandFields:   []string{"location_id", "edge_id"},
		SanitizeFields: []string{"name", "description"},
		FilterBuilder:  records.EqualityFilters("edge_id", "location_id", "type"),
	}
}

func ClientsDescriptor(collection string) records.Descriptor {
	return records.Descriptor{
		Collection:     collection,
		ExpandFields:   []string{"role_id"},
		SanitizeFields: []string{"username", "description"},
		FilterBuilder:  records.EqualityFilters("role_id", "edge_id"),
	}
}
