package handlers

import (
	"runtime"
	"time"

	"github.com/gofiber/fiber/v2"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string       `json:"status"`
	Version   string       `json:"version"`
	Uptime    string       `json:"uptime"`
	Timestamp time.Time    `json:"timestamp"`
	Store     StoreHealth  `json:"store"`
	System    SystemHealth `json:"system"`
}

type StoreHealth struct {
	Type      string `json:"type"`
	Reachable bool   `json:"reachable"`
}

type SystemHealth struct {
	Goroutines  int    `json:"goroutines"`
	MemoryAlloc uint64 `json:"memory_alloc_bytes"`
	MemorySys   uint64 `json:"memory_sys_bytes"`
	NumGC       uint32 `json:"num_gc"`
}

// StorePinger is the slice of the record store the health check probes.
type StorePinger interface {
	Ping() error
}

// HealthHandler handles health check operations
type HealthHandler struct {
	storeType string
	pinger    StorePinger
	startTime time.Time
	version   string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(storeType string, pinger StorePinger, version string) *HealthHandler {
	return &HealthHandler{
		storeType: storeType,
		pinger:    pinger,
		startTime: time.Now(),
		version:   version,
	}
}

// Check returns the health status of the service
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	reachable := true
	status := "healthy"
	if h.pinger != nil {
		if err := h.pinger.Ping(); err != nil {
			reachable = false
			status = "degraded"
		}
	}

	return c.JSON(HealthStatus{
		Status:    status,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: time.Now(),
		Store: StoreHealth{
			Type:      h.storeType,
			Reachable: reachable,
		},
		System: SystemHealth{
			Goroutines:  runtime.NumGoroutine(),
			MemoryAlloc: m.Alloc,
			MemorySys:   m.Sys,
			NumGC:       m.NumGC,
		},
	})
}

// Liveness is a simple liveness probe
func (h *HealthHandler) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// Readiness checks if the service is ready to accept traffic
func (h *HealthHandler) Readiness(c *fiber.Ctx) error {
	if h.pinger != nil {
		if err := h.pinger.Ping(); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status":    "not ready",
				"timestamp": time.Now(),
			})
		}
	}

	return c.JSON(fiber.Map{
		"status":    "ready",
		"timestamp": time.Now(),
	})
}
