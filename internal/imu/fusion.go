package imu

import "math"

// Fusion is a complementary filter: gyro integration corrected toward the
// accelerometer gravity vector with time constant Tau (seconds). Yaw is gyro-only.
//
// Not safe for concurrent use.
type Fusion struct {
	Tau float64

	have             bool
	roll, pitch, yaw float64
}

// Update advances the filter. Accel may be in any unit; gyro is rad/s; dt is seconds.
// The first call, or any call with dt outside (0, 0.5], snaps roll/pitch to the accelerometer.
func (f *Fusion) Update(ax, ay, az, gx, gy, gz, dt float64) (roll, pitch, yaw float64) {
	accRoll := math.Atan2(ay, az)
	accPitch := math.Atan2(-ax, math.Sqrt(ay*ay+az*az))

	if !f.have || dt <= 0 || dt > 0.5 {
		f.roll, f.pitch = accRoll, accPitch
		f.have = true
		return f.roll, f.pitch, f.yaw
	}

	f.roll += gx * dt
	f.pitch += gy * dt
	f.yaw = wrap(f.yaw + gz*dt)

	alpha := 0.0
	if f.Tau > 0 {
		alpha = f.Tau / (f.Tau + dt)
	}
	f.roll = alpha*f.roll + (1-alpha)*accRoll
	f.pitch = alpha*f.pitch + (1-alpha)*accPitch
	return f.roll, f.pitch, f.yaw
}

func (f *Fusion) Reset() {
	*f = Fusion{Tau: f.Tau}
}

func wrap(a float64) float64 {
	if a >= -math.Pi && a < math.Pi {
		return a
	}
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}
