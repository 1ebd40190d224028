package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rusq/klipperbot/printerstate"
)

// Host methods.
const (
	MethodIdentify          = "server.connection.identify"
	MethodServerInfo        = "server.info"
	MethodPrinterInfo       = "printer.info"
	MethodObjectsList       = "printer.objects.list"
	MethodObjectsQuery      = "printer.objects.query"
	MethodObjectsSubscribe  = "printer.objects.subscribe"
	MethodGCodeScript       = "printer.gcode.script"
	MethodPrintStart        = "printer.print.start"
	MethodPrintPause        = "printer.print.pause"
	MethodPrintResume       = "printer.print.resume"
	MethodPrintCancel       = "printer.print.cancel"
	MethodEmergencyStop     = "printer.emergency_stop"
	MethodFirmwareRestart   = "printer.firmware_restart"
	MethodHostRestart       = "printer.restart"
	MethodMachineShutdown   = "machine.shutdown"
	MethodMachineReboot     = "machine.reboot"
	MethodServiceRestart    = "machine.services.restart"
	MethodFilesList         = "server.files.list"
	MethodFileMetadata      = "server.files.metadata"
	MethodPowerDevices      = "machine.device_power.devices"
	MethodPowerPostDevice   = "machine.device_power.post_device"
	MethodAnnouncementsFeed = "server.announcements.post_feed"
)

type ServerInfo struct {
	KlippyConnected  bool     `json:"klippy_connected"`
	KlippyState      string   `json:"klippy_state"`
	Components       []string `json:"components"`
	FailedComponents []string `json:"failed_components"`
	Warnings         []string `json:"warnings"`
	WebsocketCount   int      `json:"websocket_count"`
	MoonrakerVersion string   `json:"moonraker_version"`
	APIVersion       string   `json:"api_version_string"`
}

type PrinterInfo struct {
	State           string `json:"state"`
	StateMessage    string `json:"state_message"`
	Hostname        string `json:"hostname"`
	SoftwareVersion string `json:"software_version"`
	CPUInfo         string `json:"cpu_info"`
	KlipperPath     string `json:"klipper_path"`
	PythonPath      string `json:"python_path"`
	LogFile         string `json:"log_file"`
	ConfigFile      string `json:"config_file"`
}

// ObjectStatus is the result of an object query or subscription.
type ObjectStatus struct {
	EventTime float64            `json:"eventtime"`
	Status    printerstate.Delta `json:"status"`
}

type File struct {
	Path        string  `json:"path"`
	Modified    float64 `json:"modified"`
	Size        int64   `json:"size"`
	Permissions string  `json:"permissions"`
}

// ModTime returns the modification time.
func (f File) ModTime() time.Time {
	return unixFloat(f.Modified)
}

type Thumbnail struct {
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Size         int64  `json:"size"`
	RelativePath string `json:"relative_path"`
}

type FileMetadata struct {
	Filename          string      `json:"filename"`
	Size              int64       `json:"size"`
	Modified          float64     `json:"modified"`
	Slicer            string      `json:"slicer"`
	SlicerVersion     string      `json:"slicer_version"`
	LayerHeight       float64     `json:"layer_height"`
	FirstLayerHeight  float64     `json:"first_layer_height"`
	ObjectHeight      float64     `json:"object_height"`
	FilamentTotal     float64     `json:"filament_total"`
	FilamentWeight    float64     `json:"filament_weight_total"`
	EstimatedTime     float64     `json:"estimated_time"`
	PrintStartTime    *float64    `json:"print_start_time"`
	JobID             *string     `json:"job_id"`
	Thumbnails        []Thumbnail `json:"thumbnails"`
	FirstLayerExtTemp float64     `json:"first_layer_extr_temp"`
	FirstLayerBedTemp float64     `json:"first_layer_bed_temp"`
}

// EstimatedDuration returns the slicer print time estimate.
func (m FileMetadata) EstimatedDuration() time.Duration {
	return time.Duration(m.EstimatedTime * float64(time.Second))
}

// PowerDeviceStatus is a power device as reported by the host.
type PowerDeviceStatus struct {
	Device              string `json:"device"`
	Status              string `json:"status"`
	LockedWhilePrinting bool   `json:"locked_while_printing"`
	Type                string `json:"type"`
}

func unixFloat(f float64) time.Time {
	sec := int64(f)
	return time.Unix(sec, int64((f-float64(sec))*1e9))
}

// objectsParam builds the {"objects": {"name": null, ...}} parameter, null
// requesting all fields.
func objectsParam(names []string) map[string]any {
	objs := make(map[string]any, len(names))
	for _, n := range names {
		objs[n] = nil
	}
	return map[string]any{"objects": objs}
}

// Identify identifies the client to the host and returns the connection id
// the host assigned.
func (c *Client) Identify(ctx context.Context) (int64, error) {
	var res struct {
		ConnectionID int64 `json:"connection_id"`
	}
	err := c.Call(ctx, MethodIdentify, map[string]string{
		"client_name": c.opts.clientName,
		"version":     c.opts.version,
		"type":        "bot",
		"url":         c.opts.url,
	}, &res)
	return res.ConnectionID, err
}

func (c *Client) ServerInfo(ctx context.Context) (ServerInfo, error) {
	var si ServerInfo
	err := c.Call(ctx, MethodServerInfo, nil, &si)
	return si, err
}

func (c *Client) PrinterInfo(ctx context.Context) (PrinterInfo, error) {
	var pi PrinterInfo
	err := c.Call(ctx, MethodPrinterInfo, nil, &pi)
	return pi, err
}

// Objects lists the printer objects available for query.
func (c *Client) Objects(ctx context.Context) ([]string, error) {
	var res struct {
		Objects []string `json:"objects"`
	}
	err := c.Call(ctx, MethodObjectsList, nil, &res)
	return res.Objects, err
}

// QueryObjects returns the full status of the named objects.
func (c *Client) QueryObjects(ctx context.Context, names ...string) (ObjectStatus, error) {
	var st ObjectStatus
	err := c.Call(ctx, MethodObjectsQuery, objectsParam(names), &st)
	return st, err
}

// SubscribeObjects subscribes to status updates of the named objects and
// returns their full status.  A subscription replaces the previous one.
func (c *Client) SubscribeObjects(ctx context.Context, names ...string) (ObjectStatus, error) {
	var st ObjectStatus
	err := c.Call(ctx, MethodObjectsSubscribe, objectsParam(names), &st)
	return st, err
}

// Macros returns the names of the G-code macros, upper case.  Macros
// starting with an underscore are hidden unless hidden is set.
func (c *Client) Macros(ctx context.Context, hidden bool) ([]string, error) {
	objs, err := c.Objects(ctx)
	if err != nil {
		return nil, err
	}
	var macros []string
	for _, o := range objs {
		name, ok := strings.CutPrefix(o, "gcode_macro ")
		if !ok || name == "" {
			continue
		}
		if strings.HasPrefix(name, "_") && !hidden {
			continue
		}
		macros = append(macros, strings.ToUpper(name))
	}
	slices.Sort(macros)
	return macros, nil
}

// RunGCode runs a G-code script and waits for it to complete.  Unless ctx
// has a deadline, the G-code timeout applies.
func (c *Client) RunGCode(ctx context.Context, script string) error {
	timeout := c.opts.gcodeTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	_, err := c.CallRaw(ctx, MethodGCodeScript, map[string]string{"script": script}, timeout)
	return err
}

// command runs a print control command.  Identical commands issued while
// one is in flight share its outcome instead of being sent again.
func (c *Client) command(ctx context.Context, method string, params any) error {
	key := method
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("%s: encode params: %w", method, err)
		}
		key += " " + string(b)
	}
	ch := c.sf.DoChan(key, func() (any, error) {
		return nil, c.Call(context.WithoutCancel(ctx), method, params, nil)
	})
	select {
	case r := <-ch:
		if r.Shared {
			c.lg.DebugContext(ctx, "command shared an in-flight call", "method", method)
		}
		return r.Err
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

// StartPrint starts printing the file, relative to the gcodes root.
func (c *Client) StartPrint(ctx context.Context, filename string) error {
	return c.command(ctx, MethodPrintStart, map[string]string{"filename": filename})
}

func (c *Client) PausePrint(ctx context.Context) error {
	return c.command(ctx, MethodPrintPause, nil)
}

func (c *Client) ResumePrint(ctx context.Context) error {
	return c.command(ctx, MethodPrintResume, nil)
}

func (c *Client) CancelPrint(ctx context.Context) error {
	return c.command(ctx, MethodPrintCancel, nil)
}

func (c *Client) EmergencyStop(ctx context.Context) error {
	return c.command(ctx, MethodEmergencyStop, nil)
}

func (c *Client) FirmwareRestart(ctx context.Context) error {
	return c.command(ctx, MethodFirmwareRestart, nil)
}

// RestartHost restarts the Klipper host software.
func (c *Client) RestartHost(ctx context.Context) error {
	return c.command(ctx, MethodHostRestart, nil)
}

// ShutdownMachine powers off the host operating system.
func (c *Client) ShutdownMachine(ctx context.Context) error {
	return c.Call(ctx, MethodMachineShutdown, nil, nil)
}

// RebootMachine reboots the host operating system.
func (c *Client) RebootMachine(ctx context.Context) error {
	return c.Call(ctx, MethodMachineReboot, nil, nil)
}

// RestartService restarts a system service, i.e. "klipper" or "crowsnest".
func (c *Client) RestartService(ctx context.Context, service string) error {
	return c.Call(ctx, MethodServiceRestart, map[string]string{"service": service}, nil)
}

// Files lists the files under root, "gcodes" if empty.
func (c *Client) Files(ctx context.Context, root string) ([]File, error) {
	if root == "" {
		root = "gcodes"
	}
	var files []File
	err := c.Call(ctx, MethodFilesList, map[string]string{"root": root}, &files)
	return files, err
}

// FileMetadata returns the slicer metadata of a gcode file.
func (c *Client) FileMetadata(ctx context.Context, filename string) (FileMetadata, error) {
	var md FileMetadata
	err := c.Call(ctx, MethodFileMetadata, map[string]string{"filename": filename}, &md)
	return md, err
}

// PowerDevices lists the configured power devices.
func (c *Client) PowerDevices(ctx context.Context) ([]PowerDeviceStatus, error) {
	var res struct {
		Devices []PowerDeviceStatus `json:"devices"`
	}
	err := c.Call(ctx, MethodPowerDevices, nil, &res)
	return res.Devices, err
}

// SetPowerDevice switches the device and returns the state the host
// reports afterwards.
func (c *Client) SetPowerDevice(ctx context.Context, device string, on bool) (bool, error) {
	action := "off"
	if on {
		action = "on"
	}
	var res map[string]string
	if err := c.Call(ctx, MethodPowerPostDevice, map[string]string{"device": device, "action": action}, &res); err != nil {
		return false, err
	}
	status, ok := res[device]
	if !ok {
		return false, fmt.Errorf("%s: no status for device %q in reply", MethodPowerPostDevice, device)
	}
	return status == "on", nil
}

// PostAnnouncementFeed subscribes the host announcements to the named feed.
func (c *Client) PostAnnouncementFeed(ctx context.Context, name string) error {
	return c.Call(ctx, MethodAnnouncementsFeed, map[string]string{"name": name}, nil)
}
