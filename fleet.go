package bustrack

import "time"

// BusStatus is the operational state of a bus.
type BusStatus string

const (
	BusActive      BusStatus = "active"
	BusMaintenance BusStatus = "maintenance"
	BusInactive    BusStatus = "inactive"
)

// TripStatus is the progress state of a trip.
type TripStatus string

const (
	TripScheduled  TripStatus = "scheduled"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
	TripDelayed    TripStatus = "delayed"
)

// Bus is a vehicle of the fleet.
type Bus struct {
	ID           string    `json:"id"`
	LicensePlate string    `json:"license_plate" binding:"required,min=5,max=20"`
	Capacity     int       `json:"capacity" binding:"required,gt=0,lte=100"`
	Model        string    `json:"model" binding:"required,min=1,max=50"`
	Year         int       `json:"year" binding:"required,gte=1990,lte=2030"`
	Status       BusStatus `json:"status" binding:"omitempty,oneof=active maintenance inactive"`
	DriverID     *string   `json:"driver_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Route connects two locations.
type Route struct {
	ID                string    `json:"id"`
	Name              string    `json:"name" binding:"required,min=1,max=100"`
	Description       string    `json:"description,omitempty" binding:"max=500"`
	StartLocation     string    `json:"start_location" binding:"required,min=1,max=200"`
	EndLocation       string    `json:"end_location" binding:"required,min=1,max=200"`
	EstimatedDuration int       `json:"estimated_duration" binding:"required,gt=0"` // minutes
	Distance          float64   `json:"distance" binding:"required,gt=0"`           // kilometers
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Schedule assigns a bus to a route on a weekly timetable.
type Schedule struct {
	ID            string    `json:"id"`
	RouteID       string    `json:"route_id" binding:"required"`
	BusID         string    `json:"bus_id" binding:"required"`
	DepartureTime string    `json:"departure_time" binding:"required,datetime=15:04"`
	ArrivalTime   string    `json:"arrival_time" binding:"required,datetime=15:04"`
	DaysOfWeek    []int     `json:"days_of_week" binding:"required,min=1,max=7,dive,min=1,max=7"` // 1=Monday
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Trip is one run of a schedule.
type Trip struct {
	ID                  string     `json:"id"`
	ScheduleID          string     `json:"schedule_id" binding:"required"`
	DriverID            string     `json:"driver_id" binding:"required"`
	BusID               string     `json:"bus_id" binding:"required"`
	Status              TripStatus `json:"status" binding:"omitempty,oneof=scheduled in_progress completed cancelled delayed"`
	ActualDepartureTime *time.Time `json:"actual_departure_time,omitempty"`
	ActualArrivalTime   *time.Time `json:"actual_arrival_time,omitempty"`
	CurrentLocation     string     `json:"current_location,omitempty"`
	Notes               string     `json:"notes,omitempty" binding:"max=500"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}
