package main

import (
	"net/http/httptest"
	"time"

	"github.com/sumandas0/fleetadmin/config"
	"github.com/sumandas0/fleetadmin/internal/fakepb"
	"github.com/sumandas0/fleetadmin/internal/location"
)

// Demo credentials accepted by the --fake backend.
const (
	demoIdentity = "admin@example.com"
	demoPassword = "fleetadmin"
	demoOrgID    = "org000000000001"
)

// startFakeBackend serves a seeded in-memory backend and returns its URL.
func startFakeBackend(cfg *config.Config) (string, func()) {
	backend := fakepb.New(cfg.API.BasePath)
	seedDemo(backend, cfg.Collections)
	backend.RecordActivity(true)

	srv := httptest.NewServer(backend)
	return srv.URL, srv.Close
}

func seedDemo(b *fakepb.Backend, c config.CollectionsConfig) {
	b.AddUser(demoIdentity, demoPassword, fakepb.Record{
		"id":                      "usr000000000001",
		"name":                    "Fleet Admin",
		"current_organization_id": demoOrgID,
	})

	b.Seed(c.EdgeTypes,
		fakepb.Record{"code": "bld", "name": "Building"},
		fakepb.Record{"code": "veh", "name": "Vehicle"},
	)
	b.Seed(c.EdgeRegions,
		fakepb.Record{"code": "na", "name": "North America"},
		fakepb.Record{"code": "eu", "name": "Europe"},
	)
	for _, t := range location.Types {
		b.Seed(c.LocationTypes, fakepb.Record{"code": t.Value, "name": t.Label})
	}
	b.Seed(c.ThingTypes,
		fakepb.Record{"code": "sensor", "name": "Sensor"},
		fakepb.Record{"code": "camera", "name": "Camera"},
	)

	b.Seed(c.Edges, fakepb.Record{
		"id": "edg000000000001", "code": "bld-na-001", "name": "Headquarters",
		"type": "bld", "region": "na", "active": true, "metadata": `{"floors":2}`,
		"organization_id": demoOrgID,
	})
	b.Seed(c.Locations,
		fakepb.Record{
			"id": "loc000000000001", "edge_id": "edg000000000001", "parent_id": "",
			"type": "floor", "code": "floor-1", "path": "floor-1", "name": "Ground floor",
			"organization_id": demoOrgID,
		},
		fakepb.Record{
			"id": "loc000000000002", "edge_id": "edg000000000001", "parent_id": "loc000000000001",
			"type": "server-room", "code": "server-room-1", "path": "floor-1/server-room-1", "name": "Server room",
			"organization_id": demoOrgID,
		},
	)
	b.Seed(c.Things, fakepb.Record{
		"id": "thg000000000001", "name": "Rack temperature", "type": "sensor",
		"edge_id": "edg000000000001", "location_id": "loc000000000002", "metadata": `{"unit":"C"}`,
		"organization_id": demoOrgID,
	})
	b.Seed(c.TopicPermissions, fakepb.Record{
		"id": "tpp000000000001", "name": "telemetry",
		"publish_permissions":   []any{"site/+/telemetry"},
		"subscribe_permissions": []any{"site/#"},
	})
	b.Seed(c.Clients, fakepb.Record{
		"id": "cli000000000001", "username": "gateway-1", "role_id": "tpp000000000001",
		"edge_id": "edg000000000001",
	})

	b.AddLog(fakepb.Record{
		"created": time.Now().UTC().Add(-5 * time.Minute).Format("2006-01-02 15:04:05.000Z"),
		"level":   1,
		"message": "POST /api/collections/edges/records",
		"data":    map[string]any{"method": "POST", "url": "/api/collections/edges/records"},
	})
}
