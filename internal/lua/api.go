package lua

import (
	"context"
	"fmt"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/adapter"
	"github.com/srg/bgatt/inspector"
	"github.com/srg/bgatt/internal/device"
	"github.com/srg/bgatt/internal/ringchan"
)

// DefaultConnectTimeout applies when ble.connect is called without one.
const DefaultConnectTimeout = 10 * time.Second

type notification struct {
	ref   int
	value []byte
}

// API exposes an adapter to scripts as the global ble table:
//
//	ble.reset()
//	ble.scan(seconds)                     -> { {address=, name=, rssi=}, ... }
//	ble.devices()                         -> same, without scanning
//	ble.register_service(addr, id[, name])
//	ble.connect(addr[, timeout_seconds])  -> true | nil, err
//	ble.disconnect(addr)                  -> true | nil, err
//	ble.services(addr)                    -> { {uuid=, name=, kind=, start=, end=, characteristics={...}}, ... }
//	ble.info(addr)                        -> { name=, manufacturer=, model=, serial=, hardware=, battery= }
//	ble.read(addr, service, char)         -> value | nil, err
//	ble.write(addr, service, char, data)  -> true | nil, err
//	ble.subscribe(addr, service, char, fn)-> true | nil, err
//	ble.sleep(ms)                         -- delivers pending notifications while waiting
//
// Notification callbacks run inside ble.sleep, on the script's goroutine.
type API struct {
	engine  *Engine
	adapter *adapter.Adapter
	logger  *logrus.Logger

	ctx     context.Context
	pending *ringchan.RingChannel[notification]
	refs    []int
}

func NewAPI(a *adapter.Adapter, logger *logrus.Logger) *API {
	if logger == nil {
		logger = logrus.New()
	}
	api := &API{
		engine:  NewEngine(logger),
		adapter: a,
		logger:  logger,
		ctx:     context.Background(),
		pending: ringchan.New[notification](DefaultOutputBuffer),
	}
	api.engine.Do(api.register)
	return api
}

func (api *API) Engine() *Engine {
	return api.engine
}

func (api *API) OutputChannel() <-chan OutputRecord {
	return api.engine.OutputChannel()
}

// Execute runs script; ctx bounds every blocking ble.* call it makes.
func (api *API) Execute(ctx context.Context, script, name string) error {
	api.ctx = ctx
	defer func() { api.ctx = context.Background() }()
	return api.engine.Execute(script, name)
}

// Close unsubscribes every script callback and releases the Lua state.
func (api *API) Close() {
	api.engine.Do(func(L *lua.State) {
		for _, ref := range api.refs {
			L.Unref(lua.LUA_REGISTRYINDEX, ref)
		}
	})
	api.refs = nil
	api.engine.Close()
}

func (api *API) register(L *lua.State) {
	L.NewTable()
	api.function(L, "reset", api.luaReset)
	api.function(L, "scan", api.luaScan)
	api.function(L, "devices", api.luaDevices)
	api.function(L, "register_service", api.luaRegisterService)
	api.function(L, "connect", api.luaConnect)
	api.function(L, "disconnect", api.luaDisconnect)
	api.function(L, "services", api.luaServices)
	api.function(L, "info", api.luaInfo)
	api.function(L, "read", api.luaRead)
	api.function(L, "write", api.luaWrite)
	api.function(L, "subscribe", api.luaSubscribe)
	api.function(L, "sleep", api.luaSleep)
	L.SetGlobal("ble")
}

// function adds fn to the table on top of the stack.
func (api *API) function(L *lua.State, name string, fn func(L *lua.State) int) {
	L.PushString(name)
	L.PushGoFunction(fn)
	L.SetTable(-3)
}

func setString(L *lua.State, key, value string) {
	L.PushString(key)
	L.PushString(value)
	L.SetTable(-3)
}

func setInteger(L *lua.State, key string, value int64) {
	L.PushString(key)
	L.PushInteger(value)
	L.SetTable(-3)
}

// fail returns the (nil, message) pair scripts check for operational errors.
func fail(L *lua.State, err error) int {
	L.PushNil()
	L.PushString(err.Error())
	return 2
}

func argString(L *lua.State, i int, fn string) string {
	if !L.IsString(i) {
		L.RaiseError(fmt.Sprintf("%s: argument %d must be a string", fn, i))
	}
	return L.ToString(i)
}

func (api *API) argDevice(L *lua.State, i int, fn string) *device.Device {
	addr, err := device.ParseAddress(argString(L, i, fn))
	if err != nil {
		L.RaiseError(fmt.Sprintf("%s: %v", fn, err))
	}
	dev, ok := api.adapter.FindDevice(addr)
	if !ok {
		L.RaiseError(fmt.Sprintf("%s: unknown device %s (scan first)", fn, addr.Colon()))
	}
	return dev
}

func (api *API) argCharacteristic(L *lua.State, fn string) (*device.Characteristic, error) {
	dev := api.argDevice(L, 1, fn)
	svc, err := device.ParseUUID(argString(L, 2, fn))
	if err != nil {
		L.RaiseError(fmt.Sprintf("%s: service: %v", fn, err))
	}
	char, err := device.ParseUUID(argString(L, 3, fn))
	if err != nil {
		L.RaiseError(fmt.Sprintf("%s: characteristic: %v", fn, err))
	}
	return dev.FindCharacteristic(svc, char)
}

func (api *API) luaReset(L *lua.State) int {
	if err := api.adapter.Reset(api.ctx); err != nil {
		return fail(L, err)
	}
	L.PushBoolean(true)
	return 1
}

func (api *API) luaScan(L *lua.State) int {
	seconds := 2.0
	if L.IsNumber(1) {
		seconds = L.ToNumber(1)
	}
	err := api.adapter.ScanFor(api.ctx, time.Duration(seconds*float64(time.Second)))
	if err != nil {
		return fail(L, err)
	}
	return api.luaDevices(L)
}

func (api *API) luaDevices(L *lua.State) int {
	L.NewTable()
	for i, dev := range api.adapter.Devices() {
		L.PushInteger(int64(i + 1))
		L.NewTable()
		setString(L, "address", dev.Address().Colon())
		setString(L, "name", dev.Name())
		setInteger(L, "rssi", int64(dev.RSSI()))
		L.SetTable(-3)
	}
	return 1
}

func (api *API) luaRegisterService(L *lua.State) int {
	dev := api.argDevice(L, 1, "register_service")
	if !L.IsNumber(2) {
		L.RaiseError("register_service: argument 2 must be the 16-bit service id")
	}
	id := L.ToInteger(2)
	if id < 0 || id > 0xFFFF {
		L.RaiseError(fmt.Sprintf("register_service: id 0x%x out of range", id))
	}
	var name string
	if L.IsString(3) {
		name = L.ToString(3)
	}
	dev.RegisterCustomService(uint16(id), device.CustomService{Name: name})
	return 0
}

func (api *API) luaConnect(L *lua.State) int {
	dev := api.argDevice(L, 1, "connect")
	timeout := DefaultConnectTimeout
	if L.IsNumber(2) {
		timeout = time.Duration(L.ToNumber(2) * float64(time.Second))
	}
	if err := dev.Connect(api.ctx, timeout); err != nil {
		return fail(L, err)
	}
	L.PushBoolean(true)
	return 1
}

func (api *API) luaDisconnect(L *lua.State) int {
	dev := api.argDevice(L, 1, "disconnect")
	if err := dev.Disconnect(api.ctx, DefaultConnectTimeout); err != nil {
		return fail(L, err)
	}
	L.PushBoolean(true)
	return 1
}

func (api *API) luaServices(L *lua.State) int {
	dev := api.argDevice(L, 1, "services")
	L.NewTable()
	for i, svc := range dev.Services() {
		L.PushInteger(int64(i + 1))
		L.NewTable()
		setString(L, "uuid", svc.UUID().String())
		setString(L, "name", svc.Name())
		setString(L, "kind", svc.Kind().String())
		setInteger(L, "start", int64(svc.Start()))
		setInteger(L, "end", int64(svc.End()))

		L.PushString("characteristics")
		L.NewTable()
		for j, c := range svc.Characteristics() {
			L.PushInteger(int64(j + 1))
			L.NewTable()
			setString(L, "uuid", c.UUID().String())
			setInteger(L, "handle", int64(c.Handle()))
			L.SetTable(-3)
		}
		L.SetTable(-3)

		L.SetTable(-3)
	}
	return 1
}

// luaInfo reads whatever the well-known services offer. Missing services or
// failed reads leave the field out.
func (api *API) luaInfo(L *lua.State) int {
	dev := api.argDevice(L, 1, "info")
	info := inspector.ReadDeviceInfo(api.ctx, dev)

	L.NewTable()
	for _, f := range info.Fields() {
		setString(L, f.Key, f.Value)
	}
	if info.Battery != nil {
		setInteger(L, "battery", int64(*info.Battery))
	}
	return 1
}

func (api *API) luaRead(L *lua.State) int {
	c, err := api.argCharacteristic(L, "read")
	if err != nil {
		return fail(L, err)
	}
	value, err := c.Read(api.ctx, c.Service().Device().ReadTimeout())
	if err != nil {
		return fail(L, err)
	}
	L.PushString(string(value))
	return 1
}

func (api *API) luaWrite(L *lua.State) int {
	c, err := api.argCharacteristic(L, "write")
	if err != nil {
		return fail(L, err)
	}
	data := argString(L, 4, "write")
	if err := c.Write([]byte(data)); err != nil {
		return fail(L, err)
	}
	L.PushBoolean(true)
	return 1
}

func (api *API) luaSubscribe(L *lua.State) int {
	if !L.IsFunction(4) {
		L.RaiseError("subscribe: argument 4 must be a function")
	}
	c, err := api.argCharacteristic(L, "subscribe")
	if err != nil {
		return fail(L, err)
	}
	L.PushValue(4)
	ref := L.Ref(lua.LUA_REGISTRYINDEX)
	api.refs = append(api.refs, ref)

	err = c.Subscribe(func(value []byte) {
		api.pending.ForceSend(notification{ref: ref, value: value})
	})
	if err != nil {
		return fail(L, err)
	}
	L.PushBoolean(true)
	return 1
}

func (api *API) luaSleep(L *lua.State) int {
	ms := int64(0)
	if L.IsNumber(1) {
		ms = int64(L.ToNumber(1))
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	for {
		select {
		case n := <-api.pending.C():
			api.deliver(L, n)
		case <-timer.C:
			return 0
		case <-api.ctx.Done():
			L.RaiseError(fmt.Sprintf("sleep: %v", api.ctx.Err()))
			return 0
		}
	}
}

func (api *API) deliver(L *lua.State, n notification) {
	L.RawGeti(lua.LUA_REGISTRYINDEX, n.ref)
	L.PushString(string(n.value))
	if err := L.Call(1, 0); err != nil {
		api.engine.Emit(SourceStderr, fmt.Sprintf("Callback error: %v\n", err))
		api.logger.WithError(err).Warn("Lua notification callback failed")
	}
}
