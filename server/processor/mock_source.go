package processor

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/san-kum/polygon-overlay/server/models"
)

// MockSource stands in for the live detection source. After a short load
// delay it emits one fixed batch of sample shapes.
type MockSource struct {
	clock clock.Clock
	delay time.Duration
	emit  func([]models.Shape)

	mu      sync.Mutex
	timer   *clock.Timer
	gen     uint64
	running bool
}

func NewMockSource(clk clock.Clock, delay time.Duration, emit func([]models.Shape)) *MockSource {
	if delay < 0 {
		delay = 0
	}
	return &MockSource{clock: clk, delay: delay, emit: emit}
}

func (m *MockSource) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.gen++
	gen := m.gen

	m.timer = m.clock.AfterFunc(m.delay, func() {
		m.mu.Lock()
		current := m.running && gen == m.gen
		m.mu.Unlock()
		if current {
			m.emit(MockShapes())
		}
	})
}

// Stop cancels a pending emission. A batch already handed to emit is not
// recalled.
func (m *MockSource) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *MockSource) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// MockShapes returns the sample batch in pixel coordinates.
func MockShapes() []models.Shape {
	return []models.Shape{
		{
			ID: "1", Label: "Face", Confidence: 0.92, Color: "#00FF88",
			Points:   []models.Point{{X: 120, Y: 80}, {X: 180, Y: 80}, {X: 180, Y: 150}, {X: 120, Y: 150}},
			Metadata: map[string]any{"age": "25-35", "emotion": "Neutral"},
		},
		{
			ID: "2", Label: "Hand", Confidence: 0.68, Color: "#4488FF",
			Points:   []models.Point{{X: 320, Y: 220}, {X: 350, Y: 220}, {X: 360, Y: 260}, {X: 330, Y: 270}},
			Metadata: map[string]any{"gesture": "Open", "side": "Right"},
		},
		{
			ID: "3", Label: "Object", Confidence: 0.45, Color: "#FF5500",
			Points:   []models.Point{{X: 500, Y: 300}, {X: 580, Y: 310}, {X: 570, Y: 380}, {X: 490, Y: 370}},
			Metadata: map[string]any{"type": "Unknown"},
		},
		{
			ID: "4", Label: "Face", Confidence: 0.88, Color: "#00FF88",
			Points: []models.Point{
				{X: 700, Y: 150}, {X: 750, Y: 150}, {X: 760, Y: 200},
				{X: 740, Y: 230}, {X: 710, Y: 230}, {X: 690, Y: 200},
			},
			Metadata: map[string]any{"age": "40-50", "emotion": "Concern"},
		},
		{
			ID: "5", Label: "Object", Confidence: 0.75, Color: "#FF5500",
			Points: []models.Point{
				{X: 400, Y: 400}, {X: 450, Y: 380}, {X: 480, Y: 420}, {X: 460, Y: 480}, {X: 410, Y: 470},
			},
			Metadata: map[string]any{"type": "Device"},
		},
	}
}
