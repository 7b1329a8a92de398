package main

import (
	"flag"
	"fmt"
	"os"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	crwebhook "sigs.k8s.io/controller-runtime/pkg/webhook"

	"gitopsdelivery/pkg/adapters"
	"gitopsdelivery/pkg/adapters/events"
	"gitopsdelivery/pkg/adapters/webhooks"
	"gitopsdelivery/pkg/api/v1alpha1"
	"gitopsdelivery/pkg/autoscale"
	"gitopsdelivery/pkg/controllers/delivery"
	"gitopsdelivery/pkg/controllers/drift"
	"gitopsdelivery/pkg/controllers/sourcewatch"
	"gitopsdelivery/pkg/core"
	"gitopsdelivery/pkg/diff"
	"gitopsdelivery/pkg/executor"
	"gitopsdelivery/pkg/health"
	"gitopsdelivery/pkg/history"
	historysqlite "gitopsdelivery/pkg/history/sqlite"
	"gitopsdelivery/pkg/observability/metrics"
	"gitopsdelivery/pkg/operator"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(v1alpha1.AddToScheme(scheme))
}

func main() {
	var applicationPath string
	var metricsAddr string
	var probeAddr string
	var operatorAddr string
	var enableLeaderElection bool
	var webhookPort int
	enableWebhooks := webhooks.EnabledFromEnv("ENABLE_WEBHOOKS", false)
	enableOperatorAPI := webhooks.EnabledFromEnv("ENABLE_OPERATOR_API", true)

	flag.StringVar(&applicationPath, "application", envOr("APPLICATION_CONFIG", "/etc/gitopsdelivery/application.yaml"), "Path of the Application document to reconcile.")
	flag.StringVar(&metricsAddr, "metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
	flag.StringVar(&probeAddr, "health-probe-bind-address", ":8081", "The address the health probe endpoint binds to.")
	flag.StringVar(&operatorAddr, "operator-bind-address", core.DefaultOperatorBindAddress, "The address the operator API binds to.")
	flag.BoolVar(&enableLeaderElection, "leader-elect", false, "Enable leader election for controller manager. Enabling this will ensure there is only one active controller manager.")
	flag.IntVar(&webhookPort, "webhook-port", 9443, "Webhook server port.")
	flag.BoolVar(&enableWebhooks, "enable-webhooks", enableWebhooks, "Enable Kubernetes admission webhooks for Application documents.")
	flag.BoolVar(&enableOperatorAPI, "enable-operator-api", enableOperatorAPI, "Serve the operator HTTP API and push webhook.")
	opts := zap.Options{Development: true}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	application, err := v1alpha1.LoadFile(applicationPath)
	if err != nil {
		setupLog.Error(err, "unable to load application", "path", applicationPath)
		os.Exit(1)
	}
	if err := webhooks.ValidateApplication(&application.Spec, nil); err != nil {
		setupLog.Error(err, "application rejected by policy guardrails")
		os.Exit(1)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			BindAddress: metricsAddr,
		},
		HealthProbeBindAddress: probeAddr,
		LeaderElection:         enableLeaderElection,
		LeaderElectionID:       "gitopsdelivery-" + application.Spec.Owner,
		WebhookServer:          crwebhook.NewServer(crwebhook.Options{Port: webhookPort}),
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	if err := setupControllers(mgr, application, operatorAddr, enableOperatorAPI); err != nil {
		setupLog.Error(err, "unable to create controllers")
		os.Exit(1)
	}

	if enableWebhooks {
		if err := (&v1alpha1.Application{}).SetupWebhookWithManager(mgr); err != nil {
			setupLog.Error(err, "unable to create webhook", "webhook", "Application")
			os.Exit(1)
		}
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	setupLog.Info("starting manager", "application", application.Name, "owner", application.Spec.Owner)
	if err := mgr.Start(ctrl.SetupSignalHandler()); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

// setupControllers wires the drift loop, the delivery controller, the autoscale engine and the
// operator API onto mgr. All writers share one key locker.
func setupControllers(mgr manager.Manager, application *v1alpha1.Application, operatorAddr string, enableOperatorAPI bool) error {
	spec := application.Spec
	syncPolicy := spec.SyncPolicy.Policy()
	recorder := metrics.Default()
	locks := executor.NewKeyLocker()

	store := adapters.NewKubeStore(mgr.GetClient(),
		adapters.WithAPIReader(mgr.GetAPIReader()),
		adapters.WithStoreTimeout(syncPolicy.Timeout),
	)
	source := adapters.NewConfigMapSource(mgr.GetAPIReader(), spec.Source.Namespace, spec.Source.Name, syncPolicy.Timeout)

	anchor := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Namespace: spec.Source.Namespace, Name: spec.Source.Name}}
	sink := events.Multi{
		events.NewLogSink(ctrl.Log.WithName("events")),
		events.NewRecorder(mgr.GetEventRecorderFor("gitopsdelivery"), anchor),
	}

	historyStore, err := openHistory(spec.History)
	if err != nil {
		return err
	}

	policies := spec.AutoscalePolicies()
	autoscaled := make(map[core.ResourceKey]bool, len(policies))
	for _, policy := range policies {
		autoscaled[policy.Target] = true
	}

	differOptions := diff.Options{Owner: spec.Owner, Autoscaled: autoscaled}
	assessorOptions := health.Options{Grace: syncPolicy.HealthGrace}
	if spec.Rollout != nil {
		rolloutPolicy := spec.Rollout.Policy()
		differOptions.RouteKind = rolloutPolicy.Route.Kind
		differOptions.WeightsField = rolloutPolicy.WeightsPath()
		assessorOptions.RouteKind = rolloutPolicy.Route.Kind
		assessorOptions.WeightsField = rolloutPolicy.WeightsPath()
	}
	differ := diff.New(differOptions)
	applyBackoff := core.BackoffFromPolicy(syncPolicy.Retry)

	var consumers []drift.Consumer
	var rollouts operator.Rollouts
	var autoscaler operator.Autoscaler

	if spec.Rollout != nil {
		controller, err := delivery.New(delivery.Config{
			Owner:    spec.Owner,
			Policy:   spec.Rollout.Policy(),
			Store:    store,
			Locks:    locks,
			Backoff:  &applyBackoff,
			Timeout:  syncPolicy.Timeout,
			Events:   sink,
			Recorder: recorder,
			Log:      ctrl.Log.WithName("delivery"),
		})
		if err != nil {
			return fmt.Errorf("delivery controller: %w", err)
		}
		if err := mgr.Add(controller); err != nil {
			return err
		}
		consumers = append(consumers, controller)
		rollouts = controller
	}

	if len(policies) > 0 {
		metricsSource, err := adapters.NewPrometheusSource(spec.Metrics.Address, spec.Metrics.Queries, spec.Metrics.Timeout.Duration, ctrl.Log.WithName("prometheus"))
		if err != nil {
			return err
		}
		autoscaleDiffer := diff.New(diff.Options{Owner: spec.Owner})
		engine := autoscale.NewEngine(autoscale.Config{
			Policies: policies,
			Store:    store,
			Metrics:  metricsSource,
			Differ:   autoscaleDiffer,
			Executor: executor.New(store, autoscaleDiffer,
				executor.WithLocker(locks),
				executor.WithBackoff(applyBackoff),
				executor.WithLogger(ctrl.Log.WithName("autoscale")),
			),
			Interval: spec.Metrics.Interval.Duration,
			Timeout:  spec.Metrics.Timeout.Duration,
			Log:      ctrl.Log.WithName("autoscale"),
			Events:   sink,
			Recorder: recorder,
		})
		if err := mgr.Add(engine); err != nil {
			return err
		}
		consumers = append(consumers, drift.ConsumerFunc(func(drift.Snapshot) { engine.Notify() }))
		autoscaler = engine
	}

	loop := drift.New(drift.Config{
		Owner:  spec.Owner,
		Policy: syncPolicy,
		Source: source,
		Store:  store,
		Differ: differ,
		Executor: executor.New(store, differ,
			executor.WithLocker(locks),
			executor.WithBackoff(applyBackoff),
			executor.WithLogger(ctrl.Log.WithName("executor")),
		),
		Assessor:  health.NewAssessor(assessorOptions),
		History:   historyStore,
		Events:    sink,
		Recorder:  recorder,
		Log:       ctrl.Log.WithName("drift"),
		Consumers: consumers,
	})
	if err := mgr.Add(loop); err != nil {
		return err
	}
	sourceKey := types.NamespacedName{Namespace: spec.Source.Namespace, Name: spec.Source.Name}
	if err := sourcewatch.SetupWithManager(mgr, sourceKey, loop); err != nil {
		return fmt.Errorf("source watch: %w", err)
	}

	if !enableOperatorAPI {
		return nil
	}
	return mgr.Add(operator.NewServer(operator.Config{
		Address:               operatorAddr,
		Application:           application,
		Sync:                  loop,
		Rollouts:              rollouts,
		Autoscaler:            autoscaler,
		WebhookSecret:         []byte(os.Getenv("WEBHOOK_SECRET")),
		AllowUnsignedWebhooks: webhooks.EnabledFromEnv("ALLOW_UNSIGNED_WEBHOOKS", false),
		Log:                   ctrl.Log.WithName("operator"),
	}))
}

func openHistory(spec *v1alpha1.HistorySpec) (history.Store, error) {
	window := core.DefaultHistoryWindow
	if spec != nil && spec.Window > 0 {
		window = spec.Window
	}
	if spec == nil || spec.DSN == "" {
		return history.NewMemoryStore(window), nil
	}

	db, err := historysqlite.Open(spec.DSN)
	if err != nil {
		return nil, fmt.Errorf("sync history: %w", err)
	}
	return &historysqlite.HistoryRepo{DB: db, Window: window}, nil
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
