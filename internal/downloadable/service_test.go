package downloadable

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/Anuril/FOSSBilling/internal/model"
	"github.com/Anuril/FOSSBilling/internal/queue"
	"github.com/Anuril/FOSSBilling/internal/storage"

	"github.com/charmbracelet/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type captureEvents struct {
	msgs []queue.DownloadMessage
}

func (c *captureEvents) Publish(_ context.Context, m queue.DownloadMessage) error {
	c.msgs = append(c.msgs, m)
	return nil
}

type fixture struct {
	db     *gorm.DB
	fs     afero.Fs
	store  *storage.Store
	events *captureEvents
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&model.Product{}, &model.ClientOrder{}, &model.ServiceDownloadable{}, &model.DownloadEvent{},
	))

	fs := afero.NewMemMapFs()
	store, err := storage.NewStore(fs, "/uploads")
	require.NoError(t, err)

	events := &captureEvents{}
	svc := NewService(db, store, log.New(io.Discard), events, GormResolver{DB: db})
	return &fixture{db: db, fs: fs, store: store, events: events, svc: svc}
}

func (f *fixture) createProduct(t *testing.T, config string) *model.Product {
	t.Helper()
	p := &model.Product{Title: "E-Book", Type: model.ProductTypeDownloadable, Config: config}
	require.NoError(t, f.db.Create(p).Error)
	return p
}

func (f *fixture) createOrder(t *testing.T, clientID int64, productID uint, status, config string) *model.ClientOrder {
	t.Helper()
	o := &model.ClientOrder{ClientID: clientID, ProductID: productID, Status: status, Config: config}
	require.NoError(t, f.db.Create(o).Error)
	return o
}

func (f *fixture) writeBlob(t *testing.T, filename, content string) {
	t.Helper()
	require.NoError(t, f.store.Save(filename, strings.NewReader(content)))
}

func TestSaveProductConfigMergesWithoutDroppingKeys(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, `{"filename":"invoice.pdf","theme":"dark"}`)

	require.NoError(t, f.svc.SaveProductConfig(p, map[string]any{"update_orders": true}))
	require.NoError(t, f.svc.SaveProductConfig(p, map[string]any{"update_orders": false}))

	var reloaded model.Product
	require.NoError(t, f.db.First(&reloaded, p.ID).Error)
	cfg, err := model.ParseProductConfig(reloaded.Config)
	require.NoError(t, err)
	assert.Equal(t, "invoice.pdf", cfg.Filename)
	assert.False(t, cfg.UpdateOrders)
	var theme string
	require.NoError(t, json.Unmarshal(cfg.Extra["theme"], &theme))
	assert.Equal(t, "dark", theme)
}

func TestSaveProductConfigRepairsBrokenBlob(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, `not json`)

	require.NoError(t, f.svc.SaveProductConfig(p, map[string]any{"update_orders": true}))

	cfg, err := model.ParseProductConfig(p.Config)
	require.NoError(t, err)
	assert.True(t, cfg.UpdateOrders)
}

func TestUploadProductFileRejectsEmptyUpload(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, "")

	err := f.svc.UploadProductFile(p, "", nil)
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindValidation, derr.Kind)
	assert.Equal(t, "File was not uploaded.", derr.Message)
}

func TestUploadProductFileStoresBlobAndFilename(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, `{"theme":"dark"}`)

	require.NoError(t, f.svc.UploadProductFile(p, "invoice.pdf", strings.NewReader("%PDF-1.4")))

	assert.True(t, f.store.Exists("invoice.pdf"))
	cfg, err := model.ParseProductConfig(p.Config)
	require.NoError(t, err)
	assert.Equal(t, "invoice.pdf", cfg.Filename)
	assert.Contains(t, string(cfg.Extra["theme"]), "dark")
}

func TestUploadProductFilePropagatesWhenUpdateOrdersSet(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, `{"filename":"old.pdf","update_orders":true}`)
	other := f.createProduct(t, `{"filename":"other.pdf"}`)

	o := f.createOrder(t, 1, p.ID, model.OrderStatusActive, `{"filename":"old.pdf"}`)
	sd, err := f.svc.ActionCreate(o)
	require.NoError(t, err)

	unrelated := f.createOrder(t, 2, other.ID, model.OrderStatusActive, `{"filename":"other.pdf"}`)
	otherSD, err := f.svc.ActionCreate(unrelated)
	require.NoError(t, err)

	require.NoError(t, f.svc.UploadProductFile(p, "new.pdf", strings.NewReader("new")))

	require.NoError(t, f.db.First(sd, sd.ID).Error)
	assert.Equal(t, "new.pdf", sd.Filename)
	require.NoError(t, f.db.First(otherSD, otherSD.ID).Error)
	assert.Equal(t, "other.pdf", otherSD.Filename, "orders of other products must not change")
}

func TestUploadProductFileNoPropagationByDefault(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, `{"filename":"old.pdf"}`)
	o := f.createOrder(t, 1, p.ID, model.OrderStatusActive, `{"filename":"old.pdf"}`)
	sd, err := f.svc.ActionCreate(o)
	require.NoError(t, err)

	require.NoError(t, f.svc.UploadProductFile(p, "new.pdf", strings.NewReader("new")))

	require.NoError(t, f.db.First(sd, sd.ID).Error)
	assert.Equal(t, "old.pdf", sd.Filename, "existing orders keep their file unless update_orders is set")
}

func TestAttachOrderConfigProductWins(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, `{"filename":"invoice.pdf","update_orders":true,"theme":"dark"}`)

	merged, err := f.svc.AttachOrderConfig(p, map[string]any{"additional": "data", "filename": "spoofed.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "invoice.pdf", merged["filename"])
	assert.Equal(t, true, merged["update_orders"])
	assert.Equal(t, "data", merged["additional"])
	assert.Equal(t, "dark", merged["theme"])
}

func TestAttachOrderConfigRequiresFilename(t *testing.T) {
	f := newFixture(t)

	for _, config := range []string{"", "{}", "not json"} {
		p := f.createProduct(t, config)
		_, err := f.svc.AttachOrderConfig(p, map[string]any{})
		var derr *Error
		require.ErrorAs(t, err, &derr, "config=%q", config)
		assert.Equal(t, KindConfiguration, derr.Kind)
		assert.Equal(t, "Product is not configured completely.", derr.Message)
	}
}

func TestValidateOrderData(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.ValidateOrderData(map[string]any{"filename": "a.txt"}))

	for _, data := range []map[string]any{
		{},
		{"filename": ""},
		{"filename": 42},
	} {
		err := f.svc.ValidateOrderData(data)
		var derr *Error
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, "Filename is missing in product config", derr.Message)
	}
}

func TestActionCreateCopiesFilename(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, 123, 1, model.OrderStatusPending, `{"filename":"invoice.pdf"}`)

	sd, err := f.svc.ActionCreate(o)
	require.NoError(t, err)
	assert.Equal(t, int64(123), sd.ClientID)
	assert.Equal(t, o.ID, sd.OrderID)
	assert.Equal(t, "invoice.pdf", sd.Filename)
	assert.Equal(t, 0, sd.Downloads)
}

func TestActionCreateMissingConfig(t *testing.T) {
	f := newFixture(t)

	for _, config := range []string{"", "not json"} {
		o := f.createOrder(t, 1, 1, model.OrderStatusPending, config)
		_, err := f.svc.ActionCreate(o)
		var derr *Error
		require.ErrorAs(t, err, &derr, "config=%q", config)
		assert.Equal(t, KindConfiguration, derr.Kind)
		assert.Equal(t, fmt.Sprintf("Order #%d config is missing", o.ID), derr.Message)
	}
}

func TestActionCreateFilenameRequired(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, 1, 1, model.OrderStatusPending, `{"other":"value"}`)

	_, err := f.svc.ActionCreate(o)
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "Filename is missing in product config", derr.Message)
}

func TestLifecycleNoOps(t *testing.T) {
	f := newFixture(t)
	o := &model.ClientOrder{}

	assert.NoError(t, f.svc.ActionActivate(o))
	assert.NoError(t, f.svc.ActionRenew(o))
	assert.NoError(t, f.svc.ActionSuspend(o))
	assert.NoError(t, f.svc.ActionUnsuspend(o))
	assert.NoError(t, f.svc.ActionCancel(o))
	assert.NoError(t, f.svc.ActionUncancel(o))
}

func TestActionDeleteIsIdempotent(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, 1, 1, model.OrderStatusActive, `{"filename":"invoice.pdf"}`)
	_, err := f.svc.ActionCreate(o)
	require.NoError(t, err)

	require.NoError(t, f.svc.ActionDelete(o))
	// second delete and delete of an order with no bound service are no-ops
	require.NoError(t, f.svc.ActionDelete(o))
	require.NoError(t, f.svc.ActionDelete(&model.ClientOrder{ID: 9999}))

	var count int64
	require.NoError(t, f.db.Model(&model.ServiceDownloadable{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestToAPIArrayProjection(t *testing.T) {
	f := newFixture(t)
	sd := &model.ServiceDownloadable{Filename: "invoice.pdf", Downloads: 5}

	adminView := f.svc.ToAPIArray(sd, false, model.Admin{})
	require.NotNil(t, adminView.Downloads)
	assert.Equal(t, 5, *adminView.Downloads)
	assert.Equal(t, "invoice.pdf", adminView.Filename)
	assert.Equal(t, f.store.PathFor("invoice.pdf"), adminView.Path)

	clientView := f.svc.ToAPIArray(sd, false, model.Client{ID: 1})
	assert.Nil(t, clientView.Downloads, "clients never see download counts")
	assert.Equal(t, adminView.Path, clientView.Path)

	nilView := f.svc.ToAPIArray(sd, false, nil)
	assert.Nil(t, nilView.Downloads)
}

func TestSendProductFileNoFilename(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, "{}")

	_, _, _, err := f.svc.SendProductFile(p)
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "No file associated with this product", derr.Message)
}

func TestSendProductFileBlobMissing(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, `{"filename":"nonexistent.txt"}`)

	_, _, _, err := f.svc.SendProductFile(p)
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindServiceUnavailable, derr.Kind)
	assert.Equal(t, "File cannot be downloaded at the moment. Please contact support.", derr.Message)
}

func TestSendProductFileSuccess(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, `{"filename":"invoice.pdf"}`)
	f.writeBlob(t, "invoice.pdf", "%PDF-1.4 content")

	file, size, filename, err := f.svc.SendProductFile(p)
	require.NoError(t, err)
	defer file.Close()

	assert.Equal(t, "invoice.pdf", filename)
	assert.Equal(t, int64(len("%PDF-1.4 content")), size)
	content, err := io.ReadAll(file)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 content", string(content))
	assert.Empty(t, f.events.msgs, "admin downloads do not publish audit events")
}

func TestSendFileIncrementsCounter(t *testing.T) {
	f := newFixture(t)
	f.writeBlob(t, "invoice.pdf", "content")
	sd := &model.ServiceDownloadable{ClientID: 1, OrderID: 10, Filename: "invoice.pdf"}
	require.NoError(t, f.db.Create(sd).Error)

	file, _, err := f.svc.SendFile(context.Background(), sd)
	require.NoError(t, err)
	file.Close()

	assert.Equal(t, 1, sd.Downloads)
	var reloaded model.ServiceDownloadable
	require.NoError(t, f.db.First(&reloaded, sd.ID).Error)
	assert.Equal(t, 1, reloaded.Downloads)

	require.Len(t, f.events.msgs, 1)
	msg := f.events.msgs[0]
	assert.Equal(t, uint(10), msg.OrderID)
	assert.Equal(t, "client", msg.Actor)
	assert.NoError(t, msg.Validate())
}

func TestSendFileBlobMissingLeavesCounterUntouched(t *testing.T) {
	f := newFixture(t)
	sd := &model.ServiceDownloadable{ClientID: 1, OrderID: 10, Filename: "gone.pdf", Downloads: 3}
	require.NoError(t, f.db.Create(sd).Error)

	_, _, err := f.svc.SendFile(context.Background(), sd)
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindServiceUnavailable, derr.Kind)

	var reloaded model.ServiceDownloadable
	require.NoError(t, f.db.First(&reloaded, sd.ID).Error)
	assert.Equal(t, 3, reloaded.Downloads)
	assert.Empty(t, f.events.msgs)
}

func TestSendFileForOrderRequiresOrderID(t *testing.T) {
	f := newFixture(t)

	_, _, _, err := f.svc.SendFileForOrder(context.Background(), "", 1)
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindValidation, derr.Kind)
	assert.Equal(t, "Order ID is required", derr.Message)
}

func TestSendFileForOrderNotFoundVariants(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t, 1, 1, model.OrderStatusActive, `{"filename":"invoice.pdf"}`)
	_, err := f.svc.ActionCreate(o)
	require.NoError(t, err)

	// nonexistent order, malformed id and someone else's order are indistinguishable
	for _, tc := range []struct {
		orderID  string
		clientID int64
	}{
		{"99999", 1},
		{"invalid", 1},
		{fmt.Sprint(o.ID), 2},
	} {
		_, _, _, err := f.svc.SendFileForOrder(context.Background(), tc.orderID, tc.clientID)
		var derr *Error
		require.ErrorAs(t, err, &derr, "order_id=%s client_id=%d", tc.orderID, tc.clientID)
		assert.Equal(t, KindNotFound, derr.Kind)
		assert.Equal(t, "Order not found", derr.Message)
	}
}

func TestSendFileForOrderNotActivatedVariants(t *testing.T) {
	f := newFixture(t)

	// order without a bound service record
	noService := f.createOrder(t, 1, 1, model.OrderStatusActive, `{"filename":"invoice.pdf"}`)
	// order with a service record but wrong status
	pending := f.createOrder(t, 1, 1, model.OrderStatusPending, `{"filename":"invoice.pdf"}`)
	_, err := f.svc.ActionCreate(pending)
	require.NoError(t, err)

	for _, o := range []*model.ClientOrder{noService, pending} {
		_, _, _, err := f.svc.SendFileForOrder(context.Background(), fmt.Sprint(o.ID), 1)
		var derr *Error
		require.ErrorAs(t, err, &derr)
		assert.Equal(t, KindBusinessRule, derr.Kind)
		assert.Equal(t, "Order is not activated", derr.Message)
	}
}

func TestSendFileForOrderSuccess(t *testing.T) {
	f := newFixture(t)
	f.writeBlob(t, "invoice.pdf", "content")
	o := f.createOrder(t, 1, 1, model.OrderStatusActive, `{"filename":"invoice.pdf"}`)
	_, err := f.svc.ActionCreate(o)
	require.NoError(t, err)

	file, size, sd, err := f.svc.SendFileForOrder(context.Background(), fmt.Sprint(o.ID), 1)
	require.NoError(t, err)
	defer file.Close()

	assert.Equal(t, int64(len("content")), size)
	assert.Equal(t, 1, sd.Downloads)
	assert.Equal(t, "invoice.pdf", sd.Filename)
}

func TestUpdateProductFileCopiesCurrentFilename(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, `{"filename":"v2.pdf"}`)
	o := f.createOrder(t, 1, p.ID, model.OrderStatusActive, `{"filename":"v1.pdf"}`)
	sd, err := f.svc.ActionCreate(o)
	require.NoError(t, err)
	require.Equal(t, "v1.pdf", sd.Filename)

	require.NoError(t, f.svc.UpdateProductFile(sd, o))

	var reloaded model.ServiceDownloadable
	require.NoError(t, f.db.First(&reloaded, sd.ID).Error)
	assert.Equal(t, "v2.pdf", reloaded.Filename)
}

func TestUpdateProductFileUnconfiguredProduct(t *testing.T) {
	f := newFixture(t)
	p := f.createProduct(t, "{}")
	o := f.createOrder(t, 1, p.ID, model.OrderStatusActive, `{"filename":"v1.pdf"}`)
	sd, err := f.svc.ActionCreate(o)
	require.NoError(t, err)

	err = f.svc.UpdateProductFile(sd, o)
	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "Product is not configured completely.", derr.Message)
}

func TestErrorHTTPStatusMapping(t *testing.T) {
	assert.Equal(t, 400, NewValidation("x").HTTPStatus())
	assert.Equal(t, 404, NewNotFound("x").HTTPStatus())
	assert.Equal(t, 400, NewConfiguration("x").HTTPStatus())
	assert.Equal(t, 400, NewBusinessRule("x").HTTPStatus())
	assert.Equal(t, 404, NewUnavailable("x").HTTPStatus())
}
